// Package engine executes compiled policy plans. Each host gets its own
// FIFO queue and a single worker, so runs against one host never
// interleave; a global semaphore bounds concurrent driver invocations
// across all hosts.
package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/surgeguard/internal/drivers"
	"github.com/rcourtman/surgeguard/internal/errors"
	"github.com/rcourtman/surgeguard/internal/inventory"
	"github.com/rcourtman/surgeguard/internal/models"
)

// Config tunes the execution engine.
type Config struct {
	GlobalConcurrency int           // concurrent driver invocations, default 10
	QueueDepth        int           // per-host queue capacity, default 128
	WorkerIdleTimeout time.Duration // idle worker teardown, default 2m
	ResolveSLA        time.Duration // dynamic resolution deadline, default 5s
	DefaultTimeout    time.Duration // per-invocation fallback, default 60s
}

// DefaultConfig returns the stock engine settings.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: 10,
		QueueDepth:        128,
		WorkerIdleTimeout: 2 * time.Minute,
		ResolveSLA:        5 * time.Second,
		DefaultTimeout:    60 * time.Second,
	}
}

// Resolver is the inventory surface the engine needs: selector
// expansion at dispatch time and capability descriptors for timeouts.
type Resolver interface {
	Resolve(ctx context.Context, hostID, targetType string, sel models.Selector, sla time.Duration) (inventory.Resolution, error)
	CapabilityByID(ctx context.Context, hostID, capabilityID string) (models.HostCapability, bool, error)
}

// History answers idempotency lookups and stores finished records.
type History interface {
	Append(rec *models.ExecutionRecord) error
	SeenIdempotencyKey(policyID uuid.UUID, key string, within time.Duration) (bool, error)
}

// Listener observes every record the engine persists.
type Listener func(rec models.ExecutionRecord)

// InvokeObserver is called after each driver invocation, for latency
// instrumentation.
type InvokeObserver func(hostID, capabilityID string, elapsed time.Duration)

// Handle tracks one submitted run. Done is closed once the record has
// been persisted; Record is only valid after that.
type Handle struct {
	done chan struct{}
	rec  models.ExecutionRecord
}

// Done reports completion of the run.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Record returns the final execution record. It blocks until the run
// has finished or the context expires.
func (h *Handle) Record(ctx context.Context) (models.ExecutionRecord, error) {
	select {
	case <-h.done:
		return h.rec, nil
	case <-ctx.Done():
		return models.ExecutionRecord{}, ctx.Err()
	}
}

type job struct {
	ir     *models.PolicyIR
	event  models.Event
	handle *Handle
}

type hostQueue struct {
	jobs chan *job
}

// Engine owns the per-host queues and their workers.
type Engine struct {
	cfg       Config
	resolver  Resolver
	drivers   inventory.DriverSource
	history   History
	sem       chan struct{}
	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex

	mu        sync.Mutex
	queues    map[string]*hostQueue
	listeners []Listener
	onInvoke  InvokeObserver
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Start is implicit: workers spawn lazily on the
// first job for a host and tear down after the idle timeout.
func New(cfg Config, resolver Resolver, drv inventory.DriverSource, history History) *Engine {
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 10
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 128
	}
	if cfg.WorkerIdleTimeout <= 0 {
		cfg.WorkerIdleTimeout = 2 * time.Minute
	}
	if cfg.ResolveSLA <= 0 {
		cfg.ResolveSLA = 5 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		resolver: resolver,
		drivers:  drv,
		history:  history,
		sem:      make(chan struct{}, cfg.GlobalConcurrency),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		queues:   make(map[string]*hostQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnRecord registers a listener invoked after each record is persisted.
func (e *Engine) OnRecord(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// OnInvoke registers the driver invocation observer.
func (e *Engine) OnInvoke(o InvokeObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onInvoke = o
}

// QueueDepths reports the currently queued runs per host.
func (e *Engine) QueueDepths() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	depths := make(map[string]int, len(e.queues))
	for host, q := range e.queues {
		depths[host] = len(q.jobs)
	}
	return depths
}

// Submit enqueues a run for the policy's host. Submission is
// non-blocking: a full queue fails immediately with ErrQueueFull so the
// caller can record the overflow.
func (e *Engine) Submit(ir *models.PolicyIR, ev models.Event) (*Handle, error) {
	h := &Handle{done: make(chan struct{})}
	j := &job{ir: ir, event: ev, handle: h}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("engine stopped")
	}

	hostID := ir.Targets.HostID
	q, ok := e.queues[hostID]
	if !ok {
		q = &hostQueue{jobs: make(chan *job, e.cfg.QueueDepth)}
		e.queues[hostID] = q
		e.wg.Add(1)
		go e.worker(hostID, q)
		log.Debug().Str("host", hostID).Msg("Started host worker")
	}

	select {
	case q.jobs <- j:
		return h, nil
	default:
		return nil, errors.NewOrchestratorError(errors.ErrorTypeRuntime, "submit", hostID,
			fmt.Errorf("%w: host %s queue at capacity %d", errors.ErrQueueFull, hostID, e.cfg.QueueDepth))
	}
}

// Stop cancels in-flight work, drains queued jobs as cancelled records
// and waits for every worker to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) worker(hostID string, q *hostQueue) {
	defer e.wg.Done()
	idle := time.NewTimer(e.cfg.WorkerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j := <-q.jobs:
			e.run(hostID, j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.cfg.WorkerIdleTimeout)

		case <-idle.C:
			// Tear down only when the queue is verifiably empty; the
			// map delete and the emptiness check share the engine lock
			// with Submit, so no job can slip in between.
			e.mu.Lock()
			if len(q.jobs) == 0 {
				delete(e.queues, hostID)
				e.mu.Unlock()
				log.Debug().Str("host", hostID).Msg("Idle host worker stopped")
				return
			}
			e.mu.Unlock()
			idle.Reset(e.cfg.WorkerIdleTimeout)

		case <-e.ctx.Done():
			e.drain(hostID, q)
			return
		}
	}
}

// drain converts every queued job into a cancelled record on shutdown.
func (e *Engine) drain(hostID string, q *hostQueue) {
	for {
		select {
		case j := <-q.jobs:
			rec := models.ExecutionRecord{
				ID:            e.newID(),
				PolicyID:      j.ir.PolicyID,
				HostID:        hostID,
				Timestamp:     time.Now().UTC(),
				Outcome:       models.OutcomeCancelled,
				Severity:      models.SeverityWarn,
				EventSnapshot: &j.event,
				Summary:       "run cancelled: engine stopping",
			}
			e.finish(j, rec)
		default:
			log.Debug().Str("host", hostID).Msg("Host worker drained")
			return
		}
	}
}

// run executes one job end to end and persists its record.
func (e *Engine) run(hostID string, j *job) {
	ir := j.ir
	start := time.Now().UTC()

	rec := models.ExecutionRecord{
		ID:            e.newID(),
		PolicyID:      ir.PolicyID,
		HostID:        hostID,
		Timestamp:     start,
		EventSnapshot: &j.event,
	}

	ids, warnings, err := e.resolveTargets(ir)
	if err != nil {
		rec.Outcome = models.OutcomeExecuted
		rec.Severity = models.SeverityError
		rec.Summary = fmt.Sprintf("target resolution failed: %v", err)
		e.finish(j, rec)
		return
	}

	if len(ids) == 0 {
		rec.Outcome = models.OutcomeExecuted
		rec.Severity = models.SeverityWarn
		rec.Summary = "selector resolved no targets" + joinWarnings(warnings)
		e.finish(j, rec)
		return
	}

	// Sorted canonical IDs feed both the idempotency key and the
	// dispatch loop below.
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	rec.IdempotencyKey = IdempotencyKey(ir.PolicyID, sorted, ir.Plan)

	seen, err := e.history.SeenIdempotencyKey(ir.PolicyID, rec.IdempotencyKey, ir.IdempotencyWindow())
	if err != nil {
		log.Warn().Err(err).Str("policy", ir.PolicyID.String()).Msg("Idempotency lookup failed, proceeding")
	} else if seen {
		rec.Outcome = models.OutcomeIdempotent
		rec.Severity = models.SeverityInfo
		rec.Summary = "identical run already executed inside the idempotency window"
		e.finish(j, rec)
		return
	}

	actions, cancelled := e.dispatch(ir, sorted)
	rec.Actions = actions

	if cancelled {
		rec.Outcome = models.OutcomeCancelled
		rec.Severity = models.MaxSeverity(models.SeverityWarn, models.AggregateSeverity(actions))
		rec.Summary = "run cancelled mid-flight" + joinWarnings(warnings)
	} else {
		rec.Outcome = models.OutcomeExecuted
		rec.Severity = models.AggregateSeverity(actions)
		if len(warnings) > 0 {
			rec.Severity = models.MaxSeverity(rec.Severity, models.SeverityWarn)
		}
		rec.Summary = summarize(actions) + joinWarnings(warnings)
	}

	log.Info().
		Str("policy", ir.PolicyID.String()).
		Str("host", hostID).
		Str("outcome", string(rec.Outcome)).
		Str("severity", string(rec.Severity)).
		Int("targets", len(sorted)).
		Dur("elapsed", time.Since(start)).
		Msg("Policy run finished")

	e.finish(j, rec)
}

// resolveTargets returns the canonical IDs the run applies to. Static
// policies reuse the compile-time expansion, even when it is empty;
// only dynamic ones re-resolve against live inventory under the
// resolve SLA.
func (e *Engine) resolveTargets(ir *models.PolicyIR) ([]string, []string, error) {
	if !ir.DynamicResolution {
		return ir.Targets.ResolvedIDs, nil, nil
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.ResolveSLA+time.Second)
	defer cancel()

	res, err := e.resolver.Resolve(ctx, ir.Targets.HostID, ir.Targets.TargetType, ir.Targets.Selector, e.cfg.ResolveSLA)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	if res.Snapshot.Stale {
		warnings = append(warnings, "inventory snapshot was stale at dispatch")
	}
	if len(res.Unresolved) > 0 {
		warnings = append(warnings, fmt.Sprintf("unresolved selector items: %s", strings.Join(res.Unresolved, ", ")))
	}
	return res.IDs, warnings, nil
}

// dispatch walks the plan in declared action order, targets inner in
// sorted canonical-ID order. Each invocation takes a slot on the global
// semaphore and runs under the capability's timeout.
func (e *Engine) dispatch(ir *models.PolicyIR, targets []string) ([]models.ActionOutcome, bool) {
	var outcomes []models.ActionOutcome

	drv, err := e.drivers.DriverFor(ir.Targets.HostID)
	if err != nil {
		for _, a := range ir.Plan {
			for _, id := range targets {
				outcomes = append(outcomes, models.ActionOutcome{
					Capability: a.CapabilityID,
					Verb:       a.Verb,
					Target:     id,
					OK:         false,
					Detail:     err.Error(),
				})
			}
		}
		return outcomes, false
	}

	for _, a := range ir.Plan {
		timeout := e.cfg.DefaultTimeout
		if capability, ok, err := e.resolver.CapabilityByID(e.ctx, ir.Targets.HostID, a.CapabilityID); err == nil && ok {
			timeout = capability.Timeout()
		}

		stopped := false
		for _, id := range targets {
			select {
			case e.sem <- struct{}{}:
			case <-e.ctx.Done():
				return outcomes, true
			}

			callCtx, cancel := context.WithTimeout(e.ctx, timeout)
			callStart := time.Now()
			result, err := drv.Invoke(callCtx, drivers.Call{
				CapabilityID: a.CapabilityID,
				Verb:         a.Verb,
				TargetID:     id,
				Params:       a.Params,
			})
			cancel()
			<-e.sem

			e.mu.Lock()
			observe := e.onInvoke
			e.mu.Unlock()
			if observe != nil {
				observe(ir.Targets.HostID, a.CapabilityID, time.Since(callStart))
			}

			out := models.ActionOutcome{
				Capability: a.CapabilityID,
				Verb:       a.Verb,
				Target:     id,
				OK:         result.OK && err == nil,
				Detail:     result.Detail,
				Warning:    result.Warning,
			}
			if err != nil {
				out.Detail = err.Error()
			}
			outcomes = append(outcomes, out)

			if e.ctx.Err() != nil {
				return outcomes, true
			}
			if !out.OK && a.OnError == models.OnErrorStop {
				stopped = true
				break
			}
		}
		if stopped {
			break
		}
	}
	return outcomes, false
}

func (e *Engine) finish(j *job, rec models.ExecutionRecord) {
	if err := e.history.Append(&rec); err != nil {
		log.Error().Err(err).Str("policy", rec.PolicyID.String()).Msg("Failed to persist execution record")
	}

	e.mu.Lock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range listeners {
		l(rec)
	}

	j.handle.rec = rec
	close(j.handle.done)
}

func (e *Engine) newID() string {
	e.entropyMu.Lock()
	defer e.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.entropy).String()
}

// IdempotencyKey derives the run fingerprint: the policy, the sorted
// canonical IDs it resolved to at dispatch time, and the plan's
// capability/verb pairs. Two runs with the same key are the same work.
func IdempotencyKey(policyID uuid.UUID, sortedIDs []string, plan []models.ActionIR) string {
	h := sha256.New()
	h.Write([]byte(policyID.String()))
	h.Write([]byte{0})
	for _, id := range sortedIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	pairs := make([]string, 0, len(plan))
	for _, a := range plan {
		pairs = append(pairs, a.CapabilityID+":"+a.Verb)
	}
	sort.Strings(pairs)
	for _, p := range pairs {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func summarize(actions []models.ActionOutcome) string {
	okCount := 0
	for _, a := range actions {
		if a.OK {
			okCount++
		}
	}
	if okCount == len(actions) {
		return fmt.Sprintf("%d action(s) succeeded", okCount)
	}
	return fmt.Sprintf("%d of %d action(s) succeeded", okCount, len(actions))
}

func joinWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return ""
	}
	return "; " + strings.Join(warnings, "; ")
}
