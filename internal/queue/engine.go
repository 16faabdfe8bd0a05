// Package queue holds the offline operation queue: an ordered, persisted,
// retry-bounded list of mutations drained when connectivity returns.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"offlinequeue/internal/config"
	"offlinequeue/internal/events"
	"offlinequeue/internal/kvstore"
	"offlinequeue/internal/metrics"
	"offlinequeue/internal/models"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownKind = errors.New("queue: unknown operation kind")
	ErrBadPayload  = errors.New("queue: payload is not valid JSON")
)

// Dispatcher runs the remote handler for an operation.
type Dispatcher interface {
	Dispatch(ctx context.Context, op models.QueuedOperation) error
}

type Config struct {
	MaxRetry          int
	HandlerTimeout    time.Duration
	DrainRate         float64
	StorageKey        string
	DeadLetterEnabled bool
	DeadLetterKey     string
	DeadLetterLimit   int
}

// ConfigFrom maps the file configuration onto engine settings.
func ConfigFrom(c config.QueueConfig) Config {
	return Config{
		MaxRetry:          c.MaxRetry,
		HandlerTimeout:    c.HandlerTimeout,
		DrainRate:         c.DrainRate,
		StorageKey:        c.StorageKey,
		DeadLetterEnabled: c.DeadLetter.Enabled,
		DeadLetterKey:     c.DeadLetter.Key,
		DeadLetterLimit:   c.DeadLetter.Limit,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxRetry <= 0 {
		c.MaxRetry = models.DefaultMaxRetry
	}
	if c.StorageKey == "" {
		c.StorageKey = models.DefaultStorageKey
	}
	if c.DeadLetterKey == "" {
		c.DeadLetterKey = models.DefaultDeadLetterKey
	}
	if c.DeadLetterLimit == 0 {
		c.DeadLetterLimit = models.DefaultDeadLetterLimit
	}
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Skipped   bool
	Attempted int
	Synced    int
	Retried   int
	Dropped   int
	Remaining int
	Canceled  bool
	Cleared   bool
	Duration  time.Duration
}

// SubmitResult tells a call site what happened to a submitted mutation.
type SubmitResult struct {
	ID     models.OperationID
	Queued bool
}

// Engine owns the live queue. One engine per process, built by the
// composition root and shared by reference.
type Engine struct {
	cfg        Config
	dispatcher Dispatcher
	persister  *Persister
	dead       *Persister
	bus        *events.EventBus
	logger     *zerolog.Logger
	limiter    *rate.Limiter
	now        func() time.Time
	newID      func() models.OperationID

	mu       sync.Mutex
	queue    []models.QueuedOperation
	inFlight []models.QueuedOperation
	draining bool
	online   bool
	closed   bool
	// generation changes on Clear; a pass started before it stops and
	// keeps none of its unprocessed or failed operations.
	generation uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(cfg Config, store kvstore.Store, dispatcher Dispatcher, bus *events.EventBus, logger *zerolog.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		dispatcher: dispatcher,
		persister:  NewPersister(store, cfg.StorageKey, logger),
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		newID:      func() models.OperationID { return models.OperationID(ulid.Make().String()) },
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.DeadLetterEnabled {
		e.dead = NewPersister(store, cfg.DeadLetterKey, logger)
	}
	if cfg.DrainRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.DrainRate), 1)
	}
	return e
}

// Restore loads the persisted list into the live queue, ahead of anything
// enqueued since construction. It returns the number of restored operations.
func (e *Engine) Restore(ctx context.Context) int {
	ops := e.persister.Load(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(ops, e.queue...)
	metrics.SetQueueLength(len(e.queue))
	if len(ops) > 0 {
		e.logger.Info().Int("operations", len(ops)).Msg("Restored persisted queue")
	}
	return len(ops)
}

// Enqueue appends a new operation, persists the list and, when online,
// starts a background drain. It fails only for an unknown kind or a
// payload that cannot be encoded; connectivity and storage never reject it.
func (e *Engine) Enqueue(ctx context.Context, kind models.OperationKind, payload any) (models.OperationID, error) {
	op, err := e.newOperation(kind, payload)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.queue = append(e.queue, op)
	e.persistLocked(ctx)
	online := e.online
	e.mu.Unlock()

	metrics.IncEnqueued(kind.String())
	e.publish(models.EventOperationEnqueued, op, nil)
	e.logger.Debug().Str("id", string(op.ID)).Str("kind", kind.String()).Bool("online", online).Msg("Operation enqueued")

	if online {
		e.triggerDrain()
	}
	return op.ID, nil
}

func (e *Engine) newOperation(kind models.OperationKind, payload any) (models.QueuedOperation, error) {
	if !kind.Valid() {
		return models.QueuedOperation{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	data, err := encodePayload(payload)
	if err != nil {
		return models.QueuedOperation{}, err
	}
	return models.QueuedOperation{
		ID:         e.newID(),
		Kind:       kind,
		Data:       data,
		EnqueuedAt: e.now(),
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, ErrBadPayload
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, ErrBadPayload
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return data, nil
	}
}

// SetConnectivity records the good-connection flag. Only a false to true
// edge starts a drain; going offline lets a running pass continue.
func (e *Engine) SetConnectivity(good bool) {
	e.mu.Lock()
	was := e.online
	e.online = good
	e.mu.Unlock()

	if !was && good {
		e.logger.Info().Msg("Connection restored, draining queue")
		e.triggerDrain()
	}
}

// Online reports the last good-connection flag.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Status returns a copy of the live queue. Operations of a running pass are
// counted in InFlight only.
func (e *Engine) Status() models.QueueStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	ops := make([]models.QueuedOperation, len(e.queue))
	for i, op := range e.queue {
		ops[i] = op.Clone()
	}
	return models.QueueStatus{
		Count:      len(ops),
		Operations: ops,
		Draining:   e.draining,
		InFlight:   len(e.inFlight),
	}
}

// Clear empties the live queue and persists the result. A running pass
// finishes only the operation it is executing and then stops; its remaining
// and failed operations are discarded too.
func (e *Engine) Clear(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.queue) + len(e.inFlight)
	e.queue = nil
	e.inFlight = nil
	e.generation++
	e.persistLocked(ctx)
	e.logger.Info().Int("operations", n).Msg("Queue cleared")
}

// Submit is the call-site entry point. Online with nothing pending it runs
// the handler directly and returns its error; otherwise it enqueues, so a
// mutation never overtakes earlier queued ones.
func (e *Engine) Submit(ctx context.Context, kind models.OperationKind, payload any) (SubmitResult, error) {
	e.mu.Lock()
	direct := e.online && len(e.queue)+len(e.inFlight) == 0
	e.mu.Unlock()

	if !direct {
		id, err := e.Enqueue(ctx, kind, payload)
		return SubmitResult{ID: id, Queued: err == nil}, err
	}

	op, err := e.newOperation(kind, payload)
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.execute(ctx, op); err != nil {
		metrics.IncFailed(kind.String())
		return SubmitResult{ID: op.ID}, err
	}
	metrics.IncSynced(kind.String())
	return SubmitResult{ID: op.ID}, nil
}

// DeadLetters returns operations dropped after exhausting retries, oldest
// first. It is empty unless dead-lettering is enabled.
func (e *Engine) DeadLetters(ctx context.Context) []models.QueuedOperation {
	if e.dead == nil {
		return nil
	}
	return e.dead.Load(ctx)
}

func (e *Engine) triggerDrain() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.Drain(e.ctx)
	}()
}

// Drain runs one pass over the queue. It is a no-op while another pass
// runs, when the queue is empty or when offline. The live queue is cleared
// before anything executes so concurrent enqueues land in a fresh list.
// Failed operations are re-appended to the end; the pass never re-drains.
func (e *Engine) Drain(ctx context.Context) DrainResult {
	e.mu.Lock()
	if e.draining || len(e.queue) == 0 || !e.online {
		e.mu.Unlock()
		return DrainResult{Skipped: true}
	}
	e.draining = true
	gen := e.generation
	snapshot := e.queue
	e.queue = nil
	e.inFlight = snapshot
	e.mu.Unlock()

	start := e.now()
	var res DrainResult

	for i, op := range snapshot {
		if e.clearedSince(gen) {
			res.Cleared = true
			break
		}
		if ctx.Err() != nil {
			e.requeue(ctx, gen, snapshot[i:])
			res.Canceled = true
			break
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				e.requeue(ctx, gen, snapshot[i:])
				res.Canceled = true
				break
			}
		}

		res.Attempted++
		err := e.execute(ctx, op)
		if err != nil && ctx.Err() != nil {
			// interrupted by shutdown, not a handler failure
			res.Attempted--
			e.requeue(ctx, gen, snapshot[i:])
			res.Canceled = true
			break
		}
		e.settle(ctx, gen, op, snapshot[i+1:], err, &res)
	}

	e.mu.Lock()
	e.draining = false
	e.inFlight = nil
	e.persistLocked(ctx)
	res.Remaining = len(e.queue)
	e.mu.Unlock()

	res.Duration = e.now().Sub(start)
	metrics.ObserveDrain(res.Duration)
	e.logger.Info().
		Int("attempted", res.Attempted).
		Int("synced", res.Synced).
		Int("retried", res.Retried).
		Int("dropped", res.Dropped).
		Int("remaining", res.Remaining).
		Bool("canceled", res.Canceled).
		Bool("cleared", res.Cleared).
		Dur("duration", res.Duration).
		Msg("Drain pass completed")

	if err := e.bus.PublishJSON(models.EventDrainCompleted, events.DrainEventPayload{
		Attempted: res.Attempted,
		Synced:    res.Synced,
		Retried:   res.Retried,
		Dropped:   res.Dropped,
		Remaining: res.Remaining,
		Duration:  res.Duration,
		Canceled:  res.Canceled,
	}); err != nil {
		e.logger.Error().Err(err).Msg("Failed to publish drain result")
	}
	return res
}

// settle applies the outcome of one operation and persists
// rest ++ live queue so nothing unprocessed is lost if the process dies.
func (e *Engine) settle(ctx context.Context, gen uint64, op models.QueuedOperation, rest []models.QueuedOperation, err error, res *DrainResult) {
	kind := op.Kind.String()
	var dropped bool

	e.mu.Lock()
	if e.generation != gen {
		e.mu.Unlock()
		if err == nil {
			res.Synced++
			metrics.IncSynced(kind)
			e.publish(models.EventOperationSynced, op, nil)
			return
		}
		metrics.IncFailed(kind)
		e.logger.Info().Err(err).Str("id", string(op.ID)).Str("kind", kind).Msg("Operation failed after queue was cleared, discarding")
		return
	}
	e.inFlight = rest
	if err == nil {
		res.Synced++
	} else {
		op.RetryCount++
		if op.RetryCount < e.cfg.MaxRetry {
			e.queue = append(e.queue, op)
			res.Retried++
		} else {
			dropped = true
			res.Dropped++
		}
	}
	e.persistLocked(ctx)
	e.mu.Unlock()

	switch {
	case err == nil:
		metrics.IncSynced(kind)
		e.publish(models.EventOperationSynced, op, nil)
	case dropped:
		metrics.IncFailed(kind)
		metrics.IncDropped(kind)
		e.logger.Warn().Err(err).
			Str("id", string(op.ID)).
			Str("kind", kind).
			Int("retry_count", op.RetryCount).
			Msg("Dropping operation after exhausting retries")
		e.publish(models.EventOperationDropped, op, err)
		if e.dead != nil {
			_ = e.dead.Append(context.WithoutCancel(ctx), op, e.cfg.DeadLetterLimit)
		}
	default:
		metrics.IncFailed(kind)
		e.logger.Info().Err(err).
			Str("id", string(op.ID)).
			Str("kind", kind).
			Int("retry_count", op.RetryCount).
			Msg("Operation failed, will retry on next drain")
		e.publish(models.EventOperationRetry, op, err)
	}
}

func (e *Engine) clearedSince(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation != gen
}

// requeue puts unprocessed snapshot operations back at the front of the
// live queue with their retry counts unchanged, unless the queue was
// cleared since the pass started.
func (e *Engine) requeue(ctx context.Context, gen uint64, ops []models.QueuedOperation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return
	}
	e.queue = append(append([]models.QueuedOperation(nil), ops...), e.queue...)
	e.inFlight = nil
	e.persistLocked(ctx)
}

func (e *Engine) execute(ctx context.Context, op models.QueuedOperation) (err error) {
	if e.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return e.dispatcher.Dispatch(ctx, op.Clone())
}

// persistLocked saves in-flight ++ live queue. Callers hold e.mu. Storage
// errors are logged by the persister and otherwise ignored.
func (e *Engine) persistLocked(ctx context.Context) {
	list := make([]models.QueuedOperation, 0, len(e.inFlight)+len(e.queue))
	list = append(list, e.inFlight...)
	list = append(list, e.queue...)
	_ = e.persister.Save(context.WithoutCancel(ctx), list)
	metrics.SetQueueLength(len(e.queue))
}

func (e *Engine) publish(eventType string, op models.QueuedOperation, err error) {
	payload := events.OperationEventPayload{
		ID:         string(op.ID),
		Kind:       op.Kind.String(),
		RetryCount: op.RetryCount,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if pubErr := e.bus.PublishJSON(eventType, payload); pubErr != nil {
		e.logger.Error().Err(pubErr).Str("event", eventType).Msg("Failed to publish event")
	}
}

// Wait blocks until background drains have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops background drains: a running pass stops before its next
// operation and puts the rest back. Close waits for it to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}
