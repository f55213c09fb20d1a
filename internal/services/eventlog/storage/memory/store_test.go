package memory

import (
	"testing"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event/eventtest"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage/storagetest"
)

func TestStoreSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, opts ...storage.Option) storage.Store {
		return New(eventtest.NewRegistry(), opts...)
	})
}
