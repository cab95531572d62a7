package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/admissions-lab/reminder-ab/internal/domain/shared"
	"github.com/admissions-lab/reminder-ab/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Dispatcher routes events from a bus to named handlers with middleware,
// per-handler timeout and retry, and a dead letter queue for events whose
// retries ran out.
type Dispatcher struct {
	eventBus    shared.EventSubscriber
	handlers    map[shared.EventType][]HandlerRegistration
	catchAll    []HandlerRegistration
	middlewares []Middleware
	retryConfig RetryConfig
	deadLetterQ *DeadLetterQueue
	observer    Observer
	logger      *slog.Logger
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// HandlerRegistration contains handler metadata.
type HandlerRegistration struct {
	Name        string
	Handler     shared.EventHandler
	MaxAttempts int
	Timeout     time.Duration
}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	EventBus    shared.EventSubscriber
	RetryConfig RetryConfig

	// DeadLetterQueueSize bounds the DLQ. Zero disables it.
	DeadLetterQueueSize int

	Observer Observer
	Logger   *slog.Logger
}

// RetryConfig contains retry configuration.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig(eventBus shared.EventSubscriber) DispatcherConfig {
	return DispatcherConfig{
		EventBus:            eventBus,
		RetryConfig:         DefaultRetryConfig(),
		DeadLetterQueueSize: 100,
	}
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RetryConfig.MaxAttempts <= 0 {
		config.RetryConfig = DefaultRetryConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		eventBus:    config.EventBus,
		handlers:    make(map[shared.EventType][]HandlerRegistration),
		retryConfig: config.RetryConfig,
		observer:    config.Observer,
		logger:      config.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	if config.DeadLetterQueueSize > 0 {
		d.deadLetterQ = NewDeadLetterQueue(config.DeadLetterQueueSize)
	}
	return d
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

func (d *Dispatcher) normalize(reg HandlerRegistration) (HandlerRegistration, error) {
	if reg.Handler == nil {
		return reg, ErrNilHandler
	}
	if reg.Name == "" {
		return reg, errors.New("handler name is required")
	}
	if reg.MaxAttempts <= 0 {
		reg.MaxAttempts = d.retryConfig.MaxAttempts
	}
	if reg.Timeout <= 0 {
		reg.Timeout = 10 * time.Second
	}
	return reg, nil
}

// RegisterHandler registers a handler for an event type.
func (d *Dispatcher) RegisterHandler(eventType shared.EventType, reg HandlerRegistration) error {
	reg, err := d.normalize(reg)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], reg)
	d.logger.Debug("registered handler", "event_type", eventType, "handler_name", reg.Name)
	return nil
}

// RegisterAll registers a handler for every event type.
func (d *Dispatcher) RegisterAll(reg HandlerRegistration) error {
	reg, err := d.normalize(reg)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.catchAll = append(d.catchAll, reg)
	d.logger.Debug("registered catch-all handler", "handler_name", reg.Name)
	return nil
}

// Register is a convenience method for simple handler registration.
func (d *Dispatcher) Register(eventType shared.EventType, name string, handler shared.EventHandler) error {
	return d.RegisterHandler(eventType, HandlerRegistration{Name: name, Handler: handler})
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// Use adds middleware to the dispatcher. The first added runs outermost.
func (d *Dispatcher) Use(middleware Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, middleware)
}

// LoggingMiddleware logs handler execution.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)
			duration := time.Since(start)

			if err != nil {
				logger.Error("handler failed",
					"event_type", event.EventType(),
					"run_id", event.AggregateID(),
					"duration", duration,
					"error", err,
				)
			} else {
				logger.Debug("handler completed",
					"event_type", event.EventType(),
					"run_id", event.AggregateID(),
					"duration", duration,
				)
			}
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT DISPATCHING
// ══════════════════════════════════════════════════════════════════════════════

// Start subscribes the dispatcher to every event of the bus.
func (d *Dispatcher) Start() error {
	if d.eventBus == nil {
		return errors.New("dispatcher has no event bus")
	}
	return d.eventBus.SubscribeAll(d.Dispatch)
}

// Dispatch runs every handler registered for the event in registration
// order and joins their final errors.
func (d *Dispatcher) Dispatch(event shared.Event) error {
	d.mu.RLock()
	handlers := make([]HandlerRegistration, 0, len(d.handlers[event.EventType()])+len(d.catchAll))
	handlers = append(handlers, d.handlers[event.EventType()]...)
	handlers = append(handlers, d.catchAll...)
	middlewares := d.middlewares
	d.mu.RUnlock()

	var errs []error
	for _, reg := range handlers {
		if err := d.executeHandler(event, reg, middlewares); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) executeHandler(event shared.Event, reg HandlerRegistration, middlewares []Middleware) error {
	handler := reg.Handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}

	attempts := 0
	start := time.Now()
	err := retry.Do(d.ctx,
		func(ctx context.Context) error {
			attempts++
			return d.executeWithTimeout(ctx, handler, event, reg.Timeout)
		},
		retry.WithMaxAttempts(reg.MaxAttempts),
		retry.WithInitialDelay(d.retryConfig.InitialBackoff),
		retry.WithMaxDelay(d.retryConfig.MaxBackoff),
		retry.WithRetryIf(func(err error) bool { return !errors.Is(err, ErrHandlerPanic) }),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			d.logger.Warn("handler attempt failed",
				"handler", reg.Name,
				"attempt", attempt,
				"backoff", delay,
				"error", err,
			)
		}),
	)
	if d.observer != nil {
		d.observer.ObserveHandler(event.EventType(), reg.Name, time.Since(start), err)
	}
	if err == nil {
		return nil
	}

	if d.deadLetterQ != nil {
		d.deadLetterQ.Add(DeadLetterEntry{
			Event:       event,
			HandlerName: reg.Name,
			Error:       err,
			Attempts:    attempts,
			FailedAt:    time.Now(),
		})
	}
	return fmt.Errorf("handler %s failed after %d attempts: %w", reg.Name, attempts, err)
}

func (d *Dispatcher) executeWithTimeout(ctx context.Context, handler shared.EventHandler, event shared.Event, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		done <- handler(event)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("handler timeout after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels pending retries.
func (d *Dispatcher) Stop() error {
	d.cancel()
	d.logger.Info("dispatcher stopped")
	return nil
}

// DeadLetterQueue returns the dead letter queue, nil when disabled.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.deadLetterQ
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents a failed event.
type DeadLetterEntry struct {
	Event       shared.Event
	HandlerName string
	Error       error
	Attempts    int
	FailedAt    time.Time
}

// DeadLetterQueue keeps the most recent failed deliveries.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a new dead letter queue.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &DeadLetterQueue{maxSize: maxSize}
}

// Add appends an entry, dropping the oldest at capacity.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns a copy of all entries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	result := make([]DeadLetterEntry, len(q.entries))
	copy(result, q.entries)
	return result
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}
