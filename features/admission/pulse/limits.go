// Package pulse shares admission limits across replicas through a Pulse
// replicated map. Each replica seeds the shared limits on startup, applies
// remote changes through Controller.Reconfigure, and publishes local changes
// so every process gates with the same configuration.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/pulse/rmap"

	"github.com/genkai-ai/gatehouse/admission"
	"github.com/genkai-ai/gatehouse/telemetry"
)

type (
	// Reconfigurable is the slice of the admission controller the syncer
	// drives. *admission.Controller satisfies it.
	Reconfigurable interface {
		Reconfigure(limits admission.Limits) error
		Limits() admission.Limits
	}

	// LimitsMap is the subset of rmap.Map the syncer needs. Satisfied by
	// *rmap.Map and by fakes in tests.
	LimitsMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		Set(ctx context.Context, key, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	// Options configures the limits syncer.
	Options struct {
		// Map is the replicated map holding the shared limits. Required.
		Map LimitsMap
		// Key names the map entry. Zero means "admission-limits".
		Key string
		// Controller receives remote limit changes. Required.
		Controller Reconfigurable
		// Logger receives reconcile warnings. Nil discards them.
		Logger telemetry.Logger
	}

	// Syncer keeps one controller's limits aligned with the shared map.
	Syncer struct {
		m      LimitsMap
		key    string
		ctrl   Reconfigurable
		logger telemetry.Logger

		stop chan struct{}
		done chan struct{}
	}

	// sharedLimits is the wire form of admission.Limits stored in the map.
	sharedLimits struct {
		MaxConcurrent  int   `json:"max_concurrent"`
		MaxQueueSize   int   `json:"max_queue_size"`
		RateLimit      int   `json:"rate_limit"`
		RateIntervalMS int64 `json:"rate_interval_ms"`
		RequestTimeout int64 `json:"request_timeout_ms"`
	}
)

const defaultKey = "admission-limits"

// New seeds the shared limits from the controller's current configuration
// when the key does not exist yet, reconciles the controller with whatever
// value won, and starts watching for remote changes.
func New(ctx context.Context, opts Options) (*Syncer, error) {
	if opts.Map == nil {
		return nil, errors.New("limits map is required")
	}
	if opts.Controller == nil {
		return nil, errors.New("controller is required")
	}
	key := opts.Key
	if key == "" {
		key = defaultKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	s := &Syncer{
		m:      opts.Map,
		key:    key,
		ctrl:   opts.Controller,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	// Seed when absent. A concurrent replica may still win; the reconcile
	// below applies whichever value the map settled on.
	if _, ok := s.m.Get(key); !ok {
		seed, err := encodeLimits(opts.Controller.Limits())
		if err != nil {
			return nil, err
		}
		if _, err := s.m.SetIfNotExists(ctx, key, seed); err != nil {
			return nil, fmt.Errorf("seed shared limits: %w", err)
		}
	}
	s.reconcile(ctx)

	ch := s.m.Subscribe()
	go s.watch(ch)
	return s, nil
}

// Publish writes limits to the shared map and applies them locally. Remote
// replicas pick the change up through their subscriptions.
func (s *Syncer) Publish(ctx context.Context, limits admission.Limits) error {
	if err := s.ctrl.Reconfigure(limits); err != nil {
		return err
	}
	encoded, err := encodeLimits(s.ctrl.Limits())
	if err != nil {
		return err
	}
	if _, err := s.m.Set(ctx, s.key, encoded); err != nil {
		return fmt.Errorf("publish shared limits: %w", err)
	}
	return nil
}

// Close stops the subscription watcher.
func (s *Syncer) Close() {
	close(s.stop)
	<-s.done
}

func (s *Syncer) watch(ch <-chan rmap.EventKind) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			s.reconcile(context.Background())
		}
	}
}

// reconcile applies the map's current limits to the controller. Unparseable
// or rejected values are logged and skipped so one bad write cannot take the
// admission path down.
func (s *Syncer) reconcile(ctx context.Context) {
	raw, ok := s.m.Get(s.key)
	if !ok {
		return
	}
	limits, err := decodeLimits(raw)
	if err != nil {
		s.logger.Warn(ctx, "ignoring malformed shared limits", "key", s.key, "err", err)
		return
	}
	if limits == s.ctrl.Limits() {
		return
	}
	if err := s.ctrl.Reconfigure(limits); err != nil {
		s.logger.Warn(ctx, "ignoring invalid shared limits", "key", s.key, "err", err)
	}
}

func encodeLimits(l admission.Limits) (string, error) {
	b, err := json.Marshal(sharedLimits{
		MaxConcurrent:  l.MaxConcurrent,
		MaxQueueSize:   l.MaxQueueSize,
		RateLimit:      l.RateLimit,
		RateIntervalMS: l.RateInterval.Milliseconds(),
		RequestTimeout: l.RequestTimeout.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("encode limits: %w", err)
	}
	return string(b), nil
}

func decodeLimits(raw string) (admission.Limits, error) {
	var sl sharedLimits
	if err := json.Unmarshal([]byte(raw), &sl); err != nil {
		return admission.Limits{}, fmt.Errorf("decode limits: %w", err)
	}
	return admission.Limits{
		MaxConcurrent:  sl.MaxConcurrent,
		MaxQueueSize:   sl.MaxQueueSize,
		RateLimit:      sl.RateLimit,
		RateInterval:   time.Duration(sl.RateIntervalMS) * time.Millisecond,
		RequestTimeout: time.Duration(sl.RequestTimeout) * time.Millisecond,
	}, nil
}
