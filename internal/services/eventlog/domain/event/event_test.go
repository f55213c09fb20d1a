package event

import (
	"errors"
	"testing"
)

func TestStreamIDName(t *testing.T) {
	id := NewStreamID("tenant-1", "forum-9").WithVersion(4)
	if got := id.Name(); got != "tenant-1:forum-9" {
		t.Fatalf("name = %q, want %q", got, "tenant-1:forum-9")
	}
	if id.ExpectedVersion != 4 {
		t.Fatalf("expected version = %d, want 4", id.ExpectedVersion)
	}
	if got := id.String(); got != "tenant-1:forum-9@4" {
		t.Fatalf("string = %q, want %q", got, "tenant-1:forum-9@4")
	}
}

func TestStreamIDValidate(t *testing.T) {
	tests := []struct {
		name string
		id   StreamID
		ok   bool
	}{
		{name: "valid", id: NewStreamID("t", "a"), ok: true},
		{name: "missing tenant", id: NewStreamID(" ", "a")},
		{name: "missing aggregate", id: NewStreamID("t", "")},
		{name: "separator in tenant", id: NewStreamID("t:x", "a")},
		{name: "negative version", id: NewStreamID("t", "a").WithVersion(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.id.Validate()
			if tt.ok {
				if err != nil {
					t.Fatalf("validate: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrStreamIDInvalid) {
				t.Fatalf("err = %v, want ErrStreamIDInvalid", err)
			}
		})
	}
}
