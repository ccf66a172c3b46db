// Package store persists station parameters and the circular event log.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// ErrNotFound is returned when no parameters have been saved yet.
var ErrNotFound = errors.New("not found")

// LogCapacity is how many records the event log keeps.
const LogCapacity = 512

// Record is one event log entry.
type Record struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Session string    `json:"session,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Store is the persistence API.
type Store interface {
	// LoadParams returns ErrNotFound before the first SaveParams.
	LoadParams(ctx context.Context) (probe.Params, error)
	SaveParams(ctx context.Context, p probe.Params) error
	// Append adds a record, dropping the oldest beyond LogCapacity.
	Append(ctx context.Context, r Record) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]Record, error)
	Close() error
}

// Open returns the backend named by backend: "memory" (or empty) or a
// redis:// URL.
func Open(backend string) (Store, error) {
	switch {
	case backend == "" || backend == "memory":
		return NewMemory(LogCapacity), nil
	case strings.HasPrefix(backend, "redis://"), strings.HasPrefix(backend, "rediss://"):
		return NewRedis(backend, "rack")
	}
	return nil, fmt.Errorf("unknown store %q", backend)
}

// LoadOrSeed returns the saved parameters, saving and returning
// probe.DefaultParams on first boot. seeded reports the latter.
func LoadOrSeed(ctx context.Context, s Store) (p probe.Params, seeded bool, err error) {
	p, err = s.LoadParams(ctx)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return probe.Params{}, false, err
	}
	p = probe.DefaultParams()
	if err := s.SaveParams(ctx, p); err != nil {
		return probe.Params{}, false, fmt.Errorf("seed params: %w", err)
	}
	return p, true, nil
}
