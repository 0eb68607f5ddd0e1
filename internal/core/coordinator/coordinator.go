// Package coordinator polls every backend resource on a fixed interval and
// publishes the merged result as one Snapshot.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trymwestin/ufanet/internal/core/api"
	"github.com/trymwestin/ufanet/internal/core/state"
	"github.com/trymwestin/ufanet/internal/metrics"
)

var (
	// ErrAlreadyRunning is returned by Start on a running coordinator.
	ErrAlreadyRunning = errors.New("coordinator: already running")
	// ErrNoSnapshot means no cycle has been published yet.
	ErrNoSnapshot = errors.New("coordinator: no snapshot yet")
)

// Phase is the coordinator's position in its poll cycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseFetching  Phase = "fetching"
	PhasePublished Phase = "published"
)

// Fetcher is the backend surface a cycle needs.
type Fetcher interface {
	Authorize(ctx context.Context) error
	Intercoms(ctx context.Context) ([]api.Intercom, error)
	Cameras(ctx context.Context) ([]api.Camera, error)
	Contract(ctx context.Context) (api.Contract, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now for FetchedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator runs poll cycles: an initial one on Start, then one per
// interval, plus any forced by RefreshNow. Cycles never overlap.
type Coordinator struct {
	fetcher  Fetcher
	store    *state.SnapshotStore
	metrics  *metrics.Metrics
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	phase   atomic.Value
	cycleMu sync.Mutex

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopC   chan struct{}
	stopped chan struct{}
}

// New creates a coordinator that publishes into store.
func New(fetcher Fetcher, store *state.SnapshotStore, interval time.Duration, m *metrics.Metrics, log *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher:  fetcher,
		store:    store,
		metrics:  m,
		log:      log,
		interval: interval,
		now:      time.Now,
	}
	c.phase.Store(PhaseIdle)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the first cycle immediately and then one per interval until
// Stop is called or ctx ends.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopC = make(chan struct{})
	c.stopped = make(chan struct{})
	c.running = true

	go c.runLoop(ctx, c.stopC, c.stopped)
	c.log.Info("coordinator started", "interval", c.interval)
	return nil
}

// Stop lets an in-flight cycle finish and stops scheduling new ones. If ctx
// ends first the in-flight cycle is cancelled and ctx's error is returned.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return nil
	}
	defer func() {
		c.cancel()
		c.running = false
	}()

	close(c.stopC)
	select {
	case <-c.stopped:
		c.log.Info("coordinator stopped")
		return nil
	case <-ctx.Done():
		c.cancel()
		<-c.stopped
		c.log.Warn("coordinator stop deadline reached, in-flight cycle cancelled")
		return ctx.Err()
	}
}

// Running reports whether the poll loop is active.
func (c *Coordinator) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// Phase returns the current cycle phase.
func (c *Coordinator) Phase() Phase {
	return c.phase.Load().(Phase)
}

// Snapshot returns the latest published snapshot; ok is false before the
// first publish.
func (c *Coordinator) Snapshot() (state.Snapshot, bool) {
	return c.store.Current()
}

// RefreshNow runs a cycle immediately, waiting for any cycle in flight, and
// returns the snapshot it published. The error is non-nil only when the
// cycle could not begin; the snapshot is published regardless.
func (c *Coordinator) RefreshNow(ctx context.Context) (state.Snapshot, error) {
	return c.runCycle(ctx)
}

func (c *Coordinator) runLoop(ctx context.Context, stopC <-chan struct{}, stopped chan struct{}) {
	defer func() {
		close(stopped)
		// A loop ended by its parent context is no longer running. A newer
		// Start owns a different stopped channel and is left alone.
		c.runMu.Lock()
		if c.stopped == stopped && c.running {
			c.running = false
			c.cancel()
			c.log.Info("coordinator stopped", "reason", ctx.Err())
		}
		c.runMu.Unlock()
	}()

	_, _ = c.runCycle(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopC:
			return
		case <-ticker.C:
		}

		// a stop that raced the tick wins
		select {
		case <-stopC:
			return
		default:
		}
		_, _ = c.runCycle(ctx)
	}
}

func (c *Coordinator) runCycle(ctx context.Context) (state.Snapshot, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()
	defer c.phase.Store(PhaseIdle)

	id := uuid.NewString()
	log := c.log.With("cycle_id", id)
	c.phase.Store(PhaseFetching)
	start := time.Now()

	next := state.Snapshot{CycleID: id, Errors: make(map[state.Resource]*state.ResourceError, len(state.Resources))}
	if prev, ok := c.store.Current(); ok {
		next.Intercoms = prev.Intercoms
		next.Cameras = prev.Cameras
		next.Contract = prev.Contract
	}

	if err := c.fetcher.Authorize(ctx); err != nil {
		re := state.NewResourceError(err)
		next.Err = re
		for _, r := range state.Resources {
			e := *re
			next.Errors[r] = &e
		}
		snap := c.publish(next)
		c.metrics.RecordCycle("error")
		log.Error("poll cycle could not start", "kind", re.Kind, "error", err)
		return snap, err
	}

	var (
		intercoms []api.Intercom
		cameras   []api.Camera
		contract  api.Contract
		errs      = make(map[state.Resource]error, len(state.Resources))
		mu        sync.Mutex
	)
	record := func(r state.Resource, err error) {
		mu.Lock()
		errs[r] = err
		mu.Unlock()
	}

	// Branches never return an error so one failure cannot cancel the others.
	var g errgroup.Group
	g.Go(func() error {
		v, err := c.fetcher.Intercoms(ctx)
		intercoms = v
		record(state.ResourceIntercoms, err)
		return nil
	})
	g.Go(func() error {
		v, err := c.fetcher.Cameras(ctx)
		cameras = v
		record(state.ResourceCameras, err)
		return nil
	})
	g.Go(func() error {
		v, err := c.fetcher.Contract(ctx)
		contract = v
		record(state.ResourceContract, err)
		return nil
	})
	_ = g.Wait()

	failed := 0
	for _, r := range state.Resources {
		err := errs[r]
		if err != nil {
			failed++
			re := state.NewResourceError(err)
			next.Errors[r] = re
			c.metrics.RecordFetch(string(r), string(re.Kind))
			log.Warn("resource fetch failed, keeping previous value", "resource", r, "kind", re.Kind, "error", err)
			continue
		}
		next.Errors[r] = nil
		c.metrics.RecordFetch(string(r), "ok")
		switch r {
		case state.ResourceIntercoms:
			next.Intercoms = intercoms
		case state.ResourceCameras:
			next.Cameras = cameras
		case state.ResourceContract:
			next.Contract = &contract
		}
	}

	snap := c.publish(next)
	outcome := "ok"
	switch {
	case failed == len(state.Resources):
		outcome = "failed"
	case failed > 0:
		outcome = "partial"
	}
	c.metrics.RecordCycle(outcome)
	log.Info("poll cycle published",
		"outcome", outcome,
		"intercoms", len(snap.Intercoms),
		"cameras", len(snap.Cameras),
		"duration", time.Since(start),
	)
	return snap, nil
}

func (c *Coordinator) publish(next state.Snapshot) state.Snapshot {
	next.FetchedAt = c.now()
	snap := c.store.Publish(next)
	c.phase.Store(PhasePublished)
	c.metrics.SetSnapshotTime(snap.FetchedAt)
	return snap
}
