package memory

import (
	"context"
	"sync"
)

// KeyedLocker exclusión mutua por factura dentro de un solo proceso.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{} // buffer 1: lleno = tomado
	refs int
}

// NewKeyedLocker crea el locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedEntry)}
}

// Lock bloquea hasta obtener el candado de id o hasta que ctx termine.
func (l *KeyedLocker) Lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(id, e, true) }) }, nil
}

func (l *KeyedLocker) release(id string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}
