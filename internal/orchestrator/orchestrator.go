// Package orchestrator assembles the components and runs them: event
// intake, the HTTP surface, the websocket hub, UPS pollers and timers.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/surgeguard/internal/api"
	"github.com/rcourtman/surgeguard/internal/config"
	"github.com/rcourtman/surgeguard/internal/drivers"
	"github.com/rcourtman/surgeguard/internal/dryrun"
	"github.com/rcourtman/surgeguard/internal/engine"
	"github.com/rcourtman/surgeguard/internal/events"
	"github.com/rcourtman/surgeguard/internal/inventory"
	"github.com/rcourtman/surgeguard/internal/ledger"
	"github.com/rcourtman/surgeguard/internal/matcher"
	"github.com/rcourtman/surgeguard/internal/metrics"
	"github.com/rcourtman/surgeguard/internal/models"
	"github.com/rcourtman/surgeguard/internal/policy"
	"github.com/rcourtman/surgeguard/internal/store"
	"github.com/rcourtman/surgeguard/internal/timers"
	"github.com/rcourtman/surgeguard/internal/ups"
	ws "github.com/rcourtman/surgeguard/internal/websocket"
)

const eventBuffer = 256

// Orchestrator owns the wired component graph.
type Orchestrator struct {
	cfg *config.Config

	Registry   *drivers.Registry
	Inventory  *inventory.Index
	Compiler   *policy.Compiler
	Store      *store.Store
	Ledger     *ledger.Ledger
	Engine     *engine.Engine
	Matcher    *matcher.Matcher
	DryRun     *dryrun.Evaluator
	Normalizer *events.Normalizer
	Hub        *ws.Hub
	Metrics    *metrics.Metrics
	Timers     *timers.Scheduler

	state   *stateTracker
	events  chan models.Event
	pollers []*ups.Poller
	server  *http.Server
}

// New builds the component graph from configuration. Nothing starts
// running until Run is called.
func New(cfg *config.Config) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg,
		Registry: drivers.NewRegistry(),
		Metrics:  metrics.New(),
		Hub:      ws.NewHub(nil),
		events:   make(chan models.Event, eventBuffer),
	}

	o.Inventory = inventory.New(inventory.Config{
		InventoryTTL:  time.Duration(cfg.Engine.InventoryTTLS) * time.Second,
		CapabilityTTL: time.Duration(cfg.Engine.CapabilityTTLS) * time.Second,
		RefreshSLA:    time.Duration(cfg.Engine.InventoryRefreshSLAS) * time.Second,
	}, o.Registry)
	o.state = newStateTracker(o.Inventory)

	o.Compiler = policy.New(o.Inventory,
		policy.WithWindowDefaults(cfg.Engine.DefaultSuppressionS, cfg.Engine.DefaultIdempotencyS))

	var err error
	o.Store, err = store.Open(filepath.Join(cfg.DataDir, "policies.db"))
	if err != nil {
		return nil, fmt.Errorf("open policy store: %w", err)
	}
	o.Ledger, err = ledger.New(ledger.Config{
		DBPath:           filepath.Join(cfg.DataDir, "executions.db"),
		HistoryPerPolicy: cfg.Engine.HistoryPerPolicy,
	})
	if err != nil {
		o.Store.Close()
		return nil, fmt.Errorf("open execution ledger: %w", err)
	}

	o.Engine = engine.New(engine.Config{
		GlobalConcurrency: cfg.Engine.GlobalConcurrency,
		QueueDepth:        cfg.Engine.PerHostQueueDepth,
		WorkerIdleTimeout: time.Duration(cfg.Engine.WorkerIdleTimeoutS) * time.Second,
		ResolveSLA:        time.Duration(cfg.Engine.ExecutionResolveSLAS) * time.Second,
	}, o.Inventory, o.Registry, o.Ledger)

	o.Matcher = matcher.New(o.Store, o.Engine, o.Ledger, o.state)
	o.DryRun = dryrun.New(o.Inventory, o.Registry,
		time.Duration(cfg.Engine.InventoryRefreshSLAS)*time.Second)
	o.Normalizer = events.NewNormalizer()
	o.Timers = timers.New(o.Normalizer, o.InjectEvent)

	publishRecord := func(rec models.ExecutionRecord) {
		o.Metrics.ExecutionsTotal.WithLabelValues(string(rec.Outcome), string(rec.Severity)).Inc()
		if rec.Outcome == models.OutcomeOverflow {
			o.Metrics.QueueOverflowTotal.WithLabelValues(rec.HostID).Inc()
		}
		for host, depth := range o.Engine.QueueDepths() {
			o.Metrics.QueueDepth.WithLabelValues(host).Set(float64(depth))
		}
		o.Hub.BroadcastExecution(rec)
	}
	o.Engine.OnRecord(publishRecord)
	o.Matcher.OnRecord(publishRecord)
	o.Engine.OnInvoke(o.Metrics.ObserveInvoke)
	o.Inventory.OnRefresh(func(hostID, targetType string, stale bool) {
		o.Metrics.RecordRefresh(hostID, stale)
		o.Hub.BroadcastInventoryRefresh(hostID, targetType, stale)
	})

	handlers := &api.Handlers{
		Compiler:   o.Compiler,
		Store:      o.Store,
		Ledger:     o.Ledger,
		DryRun:     o.DryRun,
		Normalizer: o.Normalizer,
		Events:     o.InjectEvent,
		Hub:        o.Hub,
		Metrics:    o.Metrics.Handler(),
	}
	o.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return o, nil
}

// BindDriver attaches a driver to a host.
func (o *Orchestrator) BindDriver(ctx context.Context, hostID string, d drivers.Driver) error {
	return o.Registry.Bind(ctx, hostID, d)
}

// WatchUPS registers a UPS source to poll.
func (o *Orchestrator) WatchUPS(upsID string, source ups.Source, interval time.Duration) {
	o.pollers = append(o.pollers, ups.NewPoller(upsID, source, interval, o.Normalizer, o.InjectEvent))
}

// InjectEvent pushes one normalized event into the intake queue. A full
// queue drops the event rather than blocking the producer.
func (o *Orchestrator) InjectEvent(ev models.Event) {
	select {
	case o.events <- ev:
	default:
		log.Warn().Str("kind", ev.Kind).Msg("Event intake queue full, dropping event")
	}
}

// Run starts every component and blocks until the context is cancelled
// or a component fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	go o.Hub.Run()

	g.Go(func() error {
		log.Info().Str("addr", o.server.Addr).Msg("HTTP server listening")
		err := o.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return o.server.Shutdown(shutdownCtx)
	})

	for _, p := range o.pollers {
		poller := p
		g.Go(func() error {
			err := poller.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		o.intake(ctx)
		return nil
	})

	err := g.Wait()
	o.shutdown()
	return err
}

// intake drains the event queue into the matcher.
func (o *Orchestrator) intake(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.events:
			if o.Normalizer.Dedupe(ev) {
				continue
			}
			o.Metrics.EventsTotal.WithLabelValues(ev.Kind).Inc()
			o.Metrics.ActivePolicies.Set(float64(len(o.Store.ActivePolicies())))
			o.state.observe(ev)
			o.Matcher.HandleEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) shutdown() {
	log.Info().Msg("Shutting down")
	o.Timers.Stop()
	o.Engine.Stop()
	o.Hub.Stop()
	if err := o.Ledger.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close execution ledger")
	}
	if err := o.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close policy store")
	}
}
