// breaker.go wraps a backend in a circuit breaker so a failing blob store
// fails fast instead of tying up publish and download requests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/packregistry/packregistry/internal/config"
	"github.com/packregistry/packregistry/internal/telemetry"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("storage backend unavailable")

// BreakerStorage trips after consecutive backend failures. ErrNotFound is a
// normal answer and never counts as a failure.
type BreakerStorage struct {
	backend Storage
	breaker *circuit.Breaker
	open    atomic.Bool
}

// NewBreakerStorage wraps backend using the threshold and backoff from cfg
func NewBreakerStorage(backend Storage, cfg config.StorageBreakerConfig) *BreakerStorage {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 10 * time.Second
	}
	maxInterval := cfg.MaxBackoff
	if maxInterval <= 0 {
		maxInterval = 2 * time.Minute
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = initial
	expBackoff.MaxInterval = maxInterval
	expBackoff.Multiplier = 2.0
	expBackoff.MaxElapsedTime = 0 // keep probing; the default gives up after 15m
	expBackoff.Reset()

	return &BreakerStorage{
		backend: backend,
		breaker: circuit.NewBreakerWithOptions(&circuit.Options{
			BackOff:    expBackoff,
			ShouldTrip: circuit.ThresholdTripFunc(threshold),
		}),
	}
}

// Tripped reports whether the breaker is currently open
func (s *BreakerStorage) Tripped() bool {
	return s.breaker.Tripped()
}

// State is "open" or "closed", for readiness probes
func (s *BreakerStorage) State() string {
	if s.breaker.Tripped() {
		return "open"
	}
	return "closed"
}

func (s *BreakerStorage) call(op string, fn func() error) error {
	// Call checks Ready itself; checking twice would consume the half-open probe.
	var notFound error
	err := s.breaker.Call(func() error {
		err := fn()
		if errors.Is(err, ErrNotFound) {
			notFound = err
			return nil
		}
		return err
	}, 0)

	s.observe()
	if err != nil {
		if errors.Is(err, circuit.ErrBreakerOpen) {
			return fmt.Errorf("%s: %w", op, ErrUnavailable)
		}
		return err
	}
	return notFound
}

// observe counts closed-to-open transitions.
func (s *BreakerStorage) observe() {
	tripped := s.breaker.Tripped()
	if s.open.Swap(tripped) != tripped && tripped {
		telemetry.StorageBreakerOpenTotal.Inc()
		slog.Warn("storage circuit breaker opened", "failures", s.breaker.ConsecFailures())
	}
}

func (s *BreakerStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64) (*UploadResult, error) {
	var result *UploadResult
	err := s.call("upload", func() error {
		var err error
		result, err = s.backend.Upload(ctx, key, reader, size)
		return err
	})
	return result, err
}

func (s *BreakerStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.call("download", func() error {
		var err error
		rc, err = s.backend.Download(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (s *BreakerStorage) Delete(ctx context.Context, key string) error {
	return s.call("delete", func() error {
		return s.backend.Delete(ctx, key)
	})
}

func (s *BreakerStorage) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.call("exists", func() error {
		var err error
		ok, err = s.backend.Exists(ctx, key)
		return err
	})
	return ok, err
}
