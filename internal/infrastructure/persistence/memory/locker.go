package memory

import (
	"context"
	"sync"

	"github.com/admissions-lab/reminder-ab/internal/domain/experiment"
)

// Locker serializes run transitions inside one process.
type Locker struct {
	mu    sync.Mutex
	slots map[experiment.RunID]chan struct{}
}

var _ experiment.RunLocker = (*Locker)(nil)

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{slots: make(map[experiment.RunID]chan struct{})}
}

func (l *Locker) slot(id experiment.RunID) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[id] = ch
	}
	return ch
}

// Lock implements experiment.RunLocker.
func (l *Locker) Lock(ctx context.Context, id experiment.RunID) (func(), error) {
	ch := l.slot(id)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
