package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"offlinequeue/internal/events"
	"offlinequeue/internal/kvstore"
	"offlinequeue/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []models.OperationID
	fn    func(ctx context.Context, op models.QueuedOperation) error
}

func (r *recorder) Dispatch(ctx context.Context, op models.QueuedOperation) error {
	r.mu.Lock()
	r.calls = append(r.calls, op.ID)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, op)
}

func (r *recorder) setFn(fn func(ctx context.Context, op models.QueuedOperation) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fn = fn
}

func (r *recorder) Calls() []models.OperationID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.OperationID(nil), r.calls...)
}

func alwaysFail(context.Context, models.QueuedOperation) error {
	return errors.New("backend unavailable")
}

type failingStore struct{ kvstore.MemoryStore }

func (f *failingStore) Set(ctx context.Context, key, value string) error {
	return errors.New("disk full")
}

func newTestEngine(t *testing.T, cfg Config, d Dispatcher) (*Engine, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	return newTestEngineWithStore(t, cfg, store, d), store
}

func newTestEngineWithStore(t *testing.T, cfg Config, store kvstore.Store, d Dispatcher) *Engine {
	t.Helper()
	logger := zerolog.New(io.Discard)
	e := NewEngine(cfg, store, d, events.NewEventBus(), &logger)
	t.Cleanup(e.Close)
	return e
}

// reconnect produces a fresh false to true edge and waits for the pass.
func reconnect(e *Engine) {
	e.SetConnectivity(false)
	e.SetConnectivity(true)
	e.Wait()
}

func comment(text string) models.CreateCommentPayload {
	return models.CreateCommentPayload{UpdateID: "u1", Text: text}
}

func persisted(t *testing.T, store kvstore.Store) []models.QueuedOperation {
	t.Helper()
	return NewPersister(store, models.DefaultStorageKey, nil).Load(context.Background())
}

func ids(ops []models.QueuedOperation) []models.OperationID {
	out := make([]models.OperationID, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}

func TestEngine_AccumulatesWhileOffline(t *testing.T) {
	rec := &recorder{}
	e, store := newTestEngine(t, Config{}, rec)
	ctx := context.Background()

	var want []models.OperationID
	for i := 0; i < 5; i++ {
		id, err := e.Enqueue(ctx, models.KindCreateComment, comment("hi"))
		require.NoError(t, err)
		want = append(want, id)
	}
	e.Wait()

	status := e.Status()
	assert.Equal(t, 5, status.Count)
	assert.Equal(t, want, ids(status.Operations))
	assert.Empty(t, rec.Calls())
	assert.Equal(t, want, ids(persisted(t, store)))

	for _, op := range status.Operations {
		assert.Equal(t, 0, op.RetryCount)
		assert.False(t, op.EnqueuedAt.IsZero())
	}
}

func TestEngine_DrainsOnReconnect(t *testing.T) {
	rec := &recorder{}
	e, store := newTestEngine(t, Config{}, rec)
	ctx := context.Background()

	var want []models.OperationID
	for _, kind := range []models.OperationKind{models.KindCreateUpdate, models.KindCreateComment, models.KindToggleReaction} {
		id, err := e.Enqueue(ctx, kind, map[string]string{"text": "x"})
		require.NoError(t, err)
		want = append(want, id)
	}

	e.SetConnectivity(true)
	e.Wait()

	assert.Equal(t, 0, e.Status().Count)
	assert.Equal(t, want, rec.Calls())
	assert.Empty(t, persisted(t, store))
}

func TestEngine_BoundedRetryAndDrop(t *testing.T) {
	rec := &recorder{fn: alwaysFail}
	e, store := newTestEngine(t, Config{}, rec)

	var dropped []events.OperationEventPayload
	e.bus.Subscribe(models.EventOperationDropped, func(ev *events.Event) error {
		var p events.OperationEventPayload
		assert.NoError(t, ev.Decode(&p))
		dropped = append(dropped, p)
		return nil
	})

	id, err := e.Enqueue(context.Background(), models.KindCreateComment, comment("hi"))
	require.NoError(t, err)

	reconnect(e)
	require.Equal(t, 1, e.Status().Count)
	assert.Equal(t, 1, e.Status().Operations[0].RetryCount)

	reconnect(e)
	require.Equal(t, 1, e.Status().Count)
	assert.Equal(t, 2, persisted(t, store)[0].RetryCount)

	reconnect(e)
	assert.Equal(t, 0, e.Status().Count)
	assert.Len(t, rec.Calls(), 3)
	require.Len(t, dropped, 1)
	assert.Equal(t, string(id), dropped[0].ID)
	assert.Equal(t, 3, dropped[0].RetryCount)
	assert.Equal(t, "backend unavailable", dropped[0].Error)

	reconnect(e)
	assert.Len(t, rec.Calls(), 3, "a dropped operation is never attempted again")
	assert.Empty(t, persisted(t, store))
}

func TestEngine_NoLossDuringConcurrentEnqueue(t *testing.T) {
	for _, tc := range []struct {
		name    string
		failA   bool
		wantLen int
	}{
		{name: "A succeeds", failA: false, wantLen: 1},
		{name: "A fails", failA: true, wantLen: 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			started := make(chan struct{})
			release := make(chan struct{})
			rec := &recorder{}
			e, store := newTestEngine(t, Config{}, rec)
			ctx := context.Background()

			idA, err := e.Enqueue(ctx, models.KindCreateUpdate, models.CreateUpdatePayload{Text: "A"})
			require.NoError(t, err)
			rec.setFn(func(ctx context.Context, op models.QueuedOperation) error {
				if op.ID == idA {
					close(started)
					<-release
					if tc.failA {
						return errors.New("A failed")
					}
				}
				return nil
			})

			e.SetConnectivity(true)
			<-started

			// going offline does not stop the running pass
			e.SetConnectivity(false)
			idB, err := e.Enqueue(ctx, models.KindCreateUpdate, models.CreateUpdatePayload{Text: "B"})
			require.NoError(t, err)

			status := e.Status()
			assert.True(t, status.Draining)
			assert.Equal(t, 1, status.InFlight)
			assert.Equal(t, []models.OperationID{idB}, ids(status.Operations))
			assert.Equal(t, []models.OperationID{idA, idB}, ids(persisted(t, store)), "in-flight operations stay persisted")

			close(release)
			e.Wait()

			final := ids(e.Status().Operations)
			assert.Len(t, final, tc.wantLen)
			assert.Equal(t, idB, final[0])
			if tc.failA {
				assert.Equal(t, []models.OperationID{idB, idA}, final, "failed operations go to the end")
			}
			assert.Equal(t, final, ids(persisted(t, store)))
		})
	}
}

func TestEngine_NoLossWhileOnline(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	e, _ := newTestEngine(t, Config{}, rec)
	ctx := context.Background()

	idA, err := e.Enqueue(ctx, models.KindCreateUpdate, models.CreateUpdatePayload{Text: "A"})
	require.NoError(t, err)
	rec.setFn(func(ctx context.Context, op models.QueuedOperation) error {
		if op.ID == idA {
			close(started)
			<-release
		}
		return nil
	})

	e.SetConnectivity(true)
	<-started
	idB, err := e.Enqueue(ctx, models.KindCreateUpdate, models.CreateUpdatePayload{Text: "B"})
	require.NoError(t, err)
	close(release)
	e.Wait()

	// B either waits in the queue or was synced by a later pass, exactly once
	calledB := 0
	for _, id := range rec.Calls() {
		if id == idB {
			calledB++
		}
	}
	queuedB := 0
	for _, id := range ids(e.Status().Operations) {
		if id == idB {
			queuedB++
		}
	}
	assert.Equal(t, 1, calledB+queuedB)
}

func TestEngine_CommentScenario(t *testing.T) {
	fail := true
	rec := &recorder{}
	rec.setFn(func(context.Context, models.QueuedOperation) error {
		if fail {
			return errors.New("throws once")
		}
		return nil
	})
	e, _ := newTestEngine(t, Config{}, rec)

	_, err := e.Enqueue(context.Background(), models.KindCreateComment, json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Status().Count)

	e.SetConnectivity(true)
	e.Wait()
	assert.Equal(t, 1, e.Status().Count)
	assert.Len(t, rec.Calls(), 1, "a failed operation is not retried within the same pass")

	fail = false
	reconnect(e)
	assert.Equal(t, 0, e.Status().Count)
	assert.Len(t, rec.Calls(), 2)
}

func TestEngine_EnqueueWhileOnlineDrains(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, Config{}, rec)
	e.SetConnectivity(true)
	e.Wait()

	id, err := e.Enqueue(context.Background(), models.KindToggleReaction, models.ToggleReactionPayload{TargetID: "u1", Reaction: "like"})
	require.NoError(t, err)
	e.Wait()

	assert.Equal(t, []models.OperationID{id}, rec.Calls())
	assert.Equal(t, 0, e.Status().Count)
}

func TestEngine_OnlyRisingEdgeDrains(t *testing.T) {
	rec := &recorder{fn: alwaysFail}
	e, _ := newTestEngine(t, Config{MaxRetry: 10}, rec)
	_, err := e.Enqueue(context.Background(), models.KindCreateComment, comment("hi"))
	require.NoError(t, err)

	e.SetConnectivity(true)
	e.Wait()
	e.SetConnectivity(true)
	e.Wait()
	assert.Len(t, rec.Calls(), 1, "true to true is not an edge")

	e.SetConnectivity(false)
	e.Wait()
	assert.Len(t, rec.Calls(), 1)
	assert.Equal(t, 1, e.Status().Count)
}

func TestEngine_DrainGuards(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, Config{}, rec)
	ctx := context.Background()

	assert.True(t, e.Drain(ctx).Skipped, "offline")

	e.SetConnectivity(true)
	e.Wait()
	assert.True(t, e.Drain(ctx).Skipped, "empty")

	e.SetConnectivity(false)
	_, err := e.Enqueue(ctx, models.KindCreateComment, comment("a"))
	require.NoError(t, err)
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	res := e.Drain(ctx)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 0, res.Remaining)
}

func TestEngine_HandlerTimeout(t *testing.T) {
	rec := &recorder{fn: func(ctx context.Context, op models.QueuedOperation) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	e, _ := newTestEngine(t, Config{HandlerTimeout: 20 * time.Millisecond}, rec)
	_, err := e.Enqueue(context.Background(), models.KindCreateComment, comment("slow"))
	require.NoError(t, err)

	reconnect(e)
	status := e.Status()
	require.Equal(t, 1, status.Count)
	assert.Equal(t, 1, status.Operations[0].RetryCount)
}

func TestEngine_HandlerPanicIsFailure(t *testing.T) {
	rec := &recorder{fn: func(context.Context, models.QueuedOperation) error {
		panic("nil map")
	}}
	e, _ := newTestEngine(t, Config{}, rec)
	_, err := e.Enqueue(context.Background(), models.KindCreateComment, comment("x"))
	require.NoError(t, err)

	assert.NotPanics(t, func() { reconnect(e) })
	require.Equal(t, 1, e.Status().Count)
	assert.Equal(t, 1, e.Status().Operations[0].RetryCount)
}

func TestEngine_Clear(t *testing.T) {
	e, store := newTestEngine(t, Config{}, &recorder{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.Enqueue(ctx, models.KindCreateComment, comment("x"))
		require.NoError(t, err)
	}

	e.Clear(ctx)
	assert.Equal(t, 0, e.Status().Count)

	raw, err := store.Get(ctx, models.DefaultStorageKey)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, raw)
}

func TestEngine_ClearDuringDrain(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rec := &recorder{fn: func(context.Context, models.QueuedOperation) error {
		once.Do(func() { close(started) })
		<-release
		return errors.New("backend unavailable")
	}}
	e, store := newTestEngine(t, Config{}, rec)
	ctx := context.Background()

	var queued []models.OperationID
	for i := 0; i < 3; i++ {
		id, err := e.Enqueue(ctx, models.KindCreateComment, comment("x"))
		require.NoError(t, err)
		queued = append(queued, id)
	}

	e.SetConnectivity(true)
	<-started
	e.Clear(ctx)
	close(release)
	e.Wait()

	assert.Equal(t, queued[:1], rec.Calls(), "the pass stops after the executing operation")
	assert.Equal(t, 0, e.Status().Count, "the failed operation is not re-appended")
	assert.Empty(t, persisted(t, store))
}

func TestEngine_PersistenceFailureKeepsQueue(t *testing.T) {
	rec := &recorder{}
	e := newTestEngineWithStore(t, Config{}, &failingStore{}, rec)

	id, err := e.Enqueue(context.Background(), models.KindCreateComment, comment("x"))
	require.NoError(t, err)
	assert.Equal(t, []models.OperationID{id}, ids(e.Status().Operations))

	e.SetConnectivity(true)
	e.Wait()
	assert.Equal(t, []models.OperationID{id}, rec.Calls())
}

func TestEngine_Restore(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, models.DefaultStorageKey,
		`[{"id":"a","kind":"CreateComment","data":{"text":"1"},"enqueuedAt":1700000000000,"retryCount":2},
		  {"id":"b","kind":"ToggleReaction","data":{"target_id":"t"},"enqueuedAt":1700000000001,"retryCount":0}]`))

	rec := &recorder{fn: alwaysFail}
	e := newTestEngineWithStore(t, Config{}, store, rec)
	_, err := e.Enqueue(ctx, models.KindCreateUpdate, models.CreateUpdatePayload{Text: "new"})
	require.NoError(t, err)

	assert.Equal(t, 2, e.Restore(ctx))
	status := e.Status()
	require.Equal(t, 3, status.Count)
	assert.Equal(t, models.OperationID("a"), status.Operations[0].ID)
	assert.Equal(t, models.OperationID("b"), status.Operations[1].ID)
	assert.Equal(t, time.UnixMilli(1700000000000), status.Operations[0].EnqueuedAt)

	reconnect(e)
	// a was already at 2 retries and is dropped by its third failure
	after := ids(e.Status().Operations)
	assert.Len(t, after, 2)
	assert.NotContains(t, after, models.OperationID("a"))
	assert.Equal(t, models.OperationID("b"), after[0])
}

func TestEngine_InFlightPersistence(t *testing.T) {
	started := make(chan models.OperationID)
	release := make(chan struct{})
	rec := &recorder{}
	e, store := newTestEngine(t, Config{}, rec)
	ctx := context.Background()

	idA, err := e.Enqueue(ctx, models.KindCreateComment, comment("a"))
	require.NoError(t, err)
	idB, err := e.Enqueue(ctx, models.KindCreateComment, comment("b"))
	require.NoError(t, err)

	rec.setFn(func(ctx context.Context, op models.QueuedOperation) error {
		started <- op.ID
		<-release
		return nil
	})
	e.SetConnectivity(true)

	assert.Equal(t, idA, <-started)
	assert.Equal(t, []models.OperationID{idA, idB}, ids(persisted(t, store)))
	release <- struct{}{}

	assert.Equal(t, idB, <-started)
	assert.Equal(t, []models.OperationID{idB}, ids(persisted(t, store)), "synced operations leave the store")
	release <- struct{}{}

	e.Wait()
	assert.Empty(t, persisted(t, store))
}

func TestEngine_CloseRequeuesUnprocessed(t *testing.T) {
	started := make(chan struct{})
	rec := &recorder{}
	e, store := newTestEngine(t, Config{}, rec)
	ctx := context.Background()

	idA, err := e.Enqueue(ctx, models.KindCreateComment, comment("a"))
	require.NoError(t, err)
	idB, err := e.Enqueue(ctx, models.KindCreateComment, comment("b"))
	require.NoError(t, err)

	rec.setFn(func(ctx context.Context, op models.QueuedOperation) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	e.SetConnectivity(true)
	<-started
	e.Close()

	status := e.Status()
	assert.False(t, status.Draining)
	assert.Equal(t, []models.OperationID{idA, idB}, ids(status.Operations))
	for _, op := range status.Operations {
		assert.Equal(t, 0, op.RetryCount, "interrupted operations keep their retry count")
	}
	assert.Equal(t, []models.OperationID{idA, idB}, ids(persisted(t, store)))

	// closed engines do not start background drains
	e.SetConnectivity(false)
	e.SetConnectivity(true)
	e.Wait()
	assert.Len(t, rec.Calls(), 1)
}

func TestEngine_Submit(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, Config{}, rec)
	ctx := context.Background()

	res, err := e.Submit(ctx, models.KindCreateComment, comment("offline"))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, e.Status().Count)

	e.SetConnectivity(true)
	e.Wait()
	require.Equal(t, 0, e.Status().Count)

	rec.setFn(alwaysFail)
	res, err = e.Submit(ctx, models.KindCreateComment, comment("online"))
	assert.Error(t, err)
	assert.False(t, res.Queued)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 0, e.Status().Count, "direct calls are not queued")
	assert.Len(t, rec.Calls(), 2)

	_, err = e.Submit(ctx, "Nope", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestEngine_SubmitKeepsOrderBehindPending(t *testing.T) {
	ctx := context.Background()

	t.Run("QueuedRetry", func(t *testing.T) {
		rec := &recorder{fn: alwaysFail}
		e, _ := newTestEngine(t, Config{}, rec)

		first, err := e.Enqueue(ctx, models.KindCreateUpdate, models.CreateUpdatePayload{Text: "update"})
		require.NoError(t, err)
		reconnect(e)
		require.Equal(t, 1, e.Status().Count)

		rec.setFn(nil)
		res, err := e.Submit(ctx, models.KindCreateComment, comment("after update"))
		require.NoError(t, err)
		assert.True(t, res.Queued)
		e.Wait()

		assert.Equal(t, []models.OperationID{first, first, res.ID}, rec.Calls())
		assert.Equal(t, 0, e.Status().Count)
	})

	t.Run("InFlight", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		rec := &recorder{fn: func(context.Context, models.QueuedOperation) error {
			close(started)
			<-release
			return nil
		}}
		e, _ := newTestEngine(t, Config{}, rec)

		first, err := e.Enqueue(ctx, models.KindCreateUpdate, models.CreateUpdatePayload{Text: "update"})
		require.NoError(t, err)
		e.SetConnectivity(true)
		<-started

		res, err := e.Submit(ctx, models.KindCreateComment, comment("during drain"))
		require.NoError(t, err)
		assert.True(t, res.Queued)

		close(release)
		e.Wait()
		assert.Equal(t, []models.OperationID{first}, rec.Calls())
		assert.Equal(t, []models.OperationID{res.ID}, ids(e.Status().Operations))
	})
}

func TestEngine_DeadLetters(t *testing.T) {
	rec := &recorder{fn: alwaysFail}
	e, _ := newTestEngine(t, Config{MaxRetry: 1, DeadLetterEnabled: true, DeadLetterLimit: 2}, rec)
	ctx := context.Background()

	var want []models.OperationID
	for i := 0; i < 3; i++ {
		id, err := e.Enqueue(ctx, models.KindCreateComment, comment("x"))
		require.NoError(t, err)
		want = append(want, id)
	}
	reconnect(e)

	assert.Equal(t, 0, e.Status().Count)
	dead := e.DeadLetters(ctx)
	assert.Equal(t, want[1:], ids(dead), "oldest dead letter is evicted")
	assert.Equal(t, 1, dead[0].RetryCount)
}

func TestEngine_DeadLettersDisabled(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxRetry: 1}, &recorder{fn: alwaysFail})
	_, err := e.Enqueue(context.Background(), models.KindCreateComment, comment("x"))
	require.NoError(t, err)
	reconnect(e)
	assert.Empty(t, e.DeadLetters(context.Background()))
}

func TestEngine_EnqueueErrors(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &recorder{})
	ctx := context.Background()

	_, err := e.Enqueue(ctx, "DeleteUpdate", comment("x"))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = e.Enqueue(ctx, models.KindCreateComment, make(chan int))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = e.Enqueue(ctx, models.KindCreateComment, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrBadPayload)

	_, err = e.Enqueue(ctx, models.KindCreateComment, []byte(`{"text":"raw"}`))
	assert.NoError(t, err)

	assert.Equal(t, 1, e.Status().Count)
}

func TestEngine_StatusIsACopy(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &recorder{})
	_, err := e.Enqueue(context.Background(), models.KindCreateComment, comment("x"))
	require.NoError(t, err)

	status := e.Status()
	status.Operations[0].RetryCount = 99
	status.Operations[0].Data[0] = '['

	fresh := e.Status()
	assert.Equal(t, 0, fresh.Operations[0].RetryCount)
	assert.Equal(t, byte('{'), fresh.Operations[0].Data[0])
}

func TestEngine_DrainRate(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, Config{DrainRate: 1000}, rec)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := e.Enqueue(ctx, models.KindCreateComment, comment("x"))
		require.NoError(t, err)
	}
	reconnect(e)
	assert.Len(t, rec.Calls(), 3)
	assert.Equal(t, 0, e.Status().Count)
}

func TestEngine_Events(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(t, Config{}, rec)

	var mu sync.Mutex
	var seen []string
	for _, typ := range []string{models.EventOperationEnqueued, models.EventOperationSynced, models.EventDrainCompleted} {
		typ := typ
		e.bus.Subscribe(typ, func(*events.Event) error {
			mu.Lock()
			seen = append(seen, typ)
			mu.Unlock()
			return nil
		})
	}

	_, err := e.Enqueue(context.Background(), models.KindCreateComment, comment("x"))
	require.NoError(t, err)
	reconnect(e)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{models.EventOperationEnqueued, models.EventOperationSynced, models.EventDrainCompleted}, seen)
}

func TestConfigFrom(t *testing.T) {
	e, _ := newTestEngine(t, Config{}, &recorder{})
	assert.Equal(t, models.DefaultMaxRetry, e.cfg.MaxRetry)
	assert.Equal(t, models.DefaultStorageKey, e.cfg.StorageKey)
	assert.Nil(t, e.dead)
	assert.Nil(t, e.limiter)
}
