package registry

import (
	"context"
	"errors"
	"time"

	"github.com/dd0wney/canteen/pkg/metrics"
)

// ReadOnly wraps a directory so that registration is never submitted. Used
// when state changes are signed and submitted by an external authority.
func ReadOnly(d Directory) Directory {
	return readOnly{d}
}

type readOnly struct{ Directory }

func (readOnly) Register(context.Context, string) error { return ErrReadOnly }

// Instrument wraps a directory with request counters and latency histograms
func Instrument(d Directory, m *metrics.Registry) Directory {
	if m == nil {
		return d
	}
	return &instrumented{next: d, metrics: m}
}

type instrumented struct {
	next    Directory
	metrics *metrics.Registry
}

func (i *instrumented) Assignment(ctx context.Context, host string) (Assignment, error) {
	start := time.Now()
	a, err := i.next.Assignment(ctx, host)
	i.metrics.RecordRegistryRequest("assignment", resultOf(err), time.Since(start))
	return a, err
}

func (i *instrumented) IsActive(ctx context.Context, host string) (bool, error) {
	start := time.Now()
	ok, err := i.next.IsActive(ctx, host)
	i.metrics.RecordRegistryRequest("is_active", resultOf(err), time.Since(start))
	return ok, err
}

func (i *instrumented) Register(ctx context.Context, host string) error {
	start := time.Now()
	err := i.next.Register(ctx, host)
	i.metrics.RecordRegistryRequest("register", resultOf(err), time.Since(start))
	return err
}

func (i *instrumented) Close() error { return i.next.Close() }

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	default:
		return metrics.ResultError
	}
}
