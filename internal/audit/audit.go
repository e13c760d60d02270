// Package audit records every risk decision to append-only sinks.
package audit

import (
	"context"
	"errors"
	"time"
)

// Record is one audited risk decision. Params are already redacted.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
	Decision  string         `json:"decision"`
	Tier      string         `json:"tier,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Sink receives audit records. Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Nop discards every record.
type Nop struct{}

// Append implements Sink.
func (Nop) Append(context.Context, Record) error { return nil }

// Multi fans a record out to several sinks.
type Multi []Sink

// Append writes to every sink and joins their errors.
func (m Multi) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that supports it.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
