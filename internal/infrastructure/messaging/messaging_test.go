package messaging

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
	errs  int
}

func (o *recordingObserver) ObserveHandler(eventType shared.EventType, handler string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, string(eventType)+"/"+handler)
	if err != nil {
		o.errs++
	}
}

func TestInMemoryEventBus_SyncOrder(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{Logger: quietLogger()})

	var got []string
	require.NoError(t, bus.Subscribe(shared.EventRunCreated, func(e shared.Event) error {
		got = append(got, "typed:"+e.AggregateID())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		got = append(got, "all:"+string(e.EventType()))
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewRunCreatedEvent("r1", "reminder")))
	require.NoError(t, bus.Publish(shared.NewRunResetEvent("r1", false, "assigning")))

	assert.Equal(t, []string{
		"typed:r1",
		"all:experiment.created",
		"all:experiment.reset",
	}, got)
}

func TestInMemoryEventBus_HandlerFailuresStayWithBus(t *testing.T) {
	obs := &recordingObserver{}
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{Logger: quietLogger(), Observer: obs})

	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("nope") }))

	ran := false
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { ran = true; return nil }))

	assert.NoError(t, bus.Publish(shared.NewRunCreatedEvent("r1", "x")))
	assert.True(t, ran, "later handlers still run")
	assert.Len(t, obs.calls, 3)
	assert.Equal(t, 2, obs.errs)
}

func TestInMemoryEventBus_AsyncAndClose(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 2,
		Logger:         quietLogger(),
	})

	var n atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		n.Add(1)
		return nil
	}))
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(shared.NewRunCreatedEvent("r", "x")))
	}
	bus.Wait()
	assert.Equal(t, int32(20), n.Load())

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(shared.NewRunCreatedEvent("r", "x")), ErrEventBusClosed)
	assert.ErrorIs(t, bus.SubscribeAll(func(shared.Event) error { return nil }), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventRunCreated, nil), ErrNilHandler)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{Logger: quietLogger()})
	obs := &recordingObserver{}
	d := NewDispatcher(DispatcherConfig{
		EventBus:            bus,
		RetryConfig:         fastRetry(),
		DeadLetterQueueSize: 10,
		Observer:            obs,
		Logger:              quietLogger(),
	})
	t.Cleanup(func() { _ = d.Stop() })

	calls := 0
	require.NoError(t, d.Register(shared.EventRunAnalyzed, "flaky", func(shared.Event) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}))
	require.NoError(t, d.Start())

	require.NoError(t, bus.Publish(shared.NewRunAnalyzedEvent("r1", 4.2, 0.04, true, 800)))
	assert.Equal(t, 3, calls)
	assert.Zero(t, d.DeadLetterQueue().Size())
	assert.Equal(t, []string{"experiment.analyzed/flaky"}, obs.calls)
	assert.Zero(t, obs.errs)
}

func TestDispatcher_DeadLetters(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		RetryConfig:         fastRetry(),
		DeadLetterQueueSize: 1,
		Logger:              quietLogger(),
	})
	t.Cleanup(func() { _ = d.Stop() })

	calls := 0
	require.NoError(t, d.RegisterAll(HandlerRegistration{
		Name:        "broken",
		MaxAttempts: 2,
		Handler: func(shared.Event) error {
			calls++
			return errors.New("down")
		},
	}))
	panics := 0
	require.NoError(t, d.Register(shared.EventRunReset, "panicky", func(shared.Event) error {
		panics++
		panic("bad")
	}))

	err := d.Dispatch(shared.NewRunResetEvent("r1", true, "collecting"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, panics, "panics are not retried")

	entries := d.DeadLetterQueue().Entries()
	require.Len(t, entries, 1, "oldest entry dropped at capacity")
	assert.Equal(t, "broken", entries[0].HandlerName)
	assert.Equal(t, 2, entries[0].Attempts)
}

func TestDispatcher_TimeoutAndMiddleware(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{RetryConfig: fastRetry(), Logger: quietLogger()})
	t.Cleanup(func() { _ = d.Stop() })

	var wrapped atomic.Int32
	d.Use(func(next shared.EventHandler) shared.EventHandler {
		return func(e shared.Event) error {
			wrapped.Add(1)
			return next(e)
		}
	})
	d.Use(LoggingMiddleware(quietLogger()))

	require.NoError(t, d.RegisterHandler(shared.EventRunCreated, HandlerRegistration{
		Name:        "slow",
		MaxAttempts: 1,
		Timeout:     5 * time.Millisecond,
		Handler: func(shared.Event) error {
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}))

	err := d.Dispatch(shared.NewRunCreatedEvent("r1", "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Eventually(t, func() bool { return wrapped.Load() == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, d.Register(shared.EventRunCreated, "nil", nil), ErrNilHandler)
	assert.Error(t, d.Register(shared.EventRunCreated, "", func(shared.Event) error { return nil }))
	assert.Nil(t, NewDispatcher(DispatcherConfig{Logger: quietLogger()}).DeadLetterQueue())
}
