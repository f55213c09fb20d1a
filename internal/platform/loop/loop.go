// Package loop runs a unit of work on a fixed interval until its context ends.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Periodic runs Work immediately and then every Interval. Runs never
// overlap: Trigger and the ticker share one mutex, and a run that is still
// in progress when the next tick fires delays that tick instead of doubling up.
type Periodic struct {
	Name     string
	Interval time.Duration
	Work     func(context.Context) error
	// OnResult observes the outcome of every run, for health reporting.
	OnResult func(err error)
	Logf     func(string, ...any)

	mu sync.Mutex
}

// Validate checks the loop configuration.
func (p *Periodic) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("loop name is required")
	}
	if p.Interval <= 0 {
		return fmt.Errorf("%s: interval must be greater than zero", p.Name)
	}
	if p.Work == nil {
		return fmt.Errorf("%s: work function is required", p.Name)
	}
	return nil
}

// Run blocks until ctx is done. Work failures are logged and retried on
// the next tick; Run only returns a non-nil error for invalid configuration.
func (p *Periodic) Run(ctx context.Context) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		p.Trigger(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Trigger performs one run synchronously and returns its error.
func (p *Periodic) Trigger(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.Work(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logf("%s: %v", p.Name, err)
	}
	if p.OnResult != nil {
		p.OnResult(err)
	}
	return err
}

func (p *Periodic) logf(format string, args ...any) {
	if p.Logf != nil {
		p.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}
