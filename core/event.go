package core

import "sync"

// Emitter is a typed event bus. Observers subscribe at construction time and
// release their subscription with the returned function when the session ends.
type Emitter[T any] struct {
	mu        sync.Mutex
	next      int
	observers map[int]func(T)
	order     []int
}

// Subscribe registers fn and returns a function that removes it.
// Observers are notified in subscription order.
func (e *Emitter[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.observers == nil {
		e.observers = make(map[int]func(T))
	}
	id := e.next
	e.next++
	e.observers[id] = fn
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.observers, id)
			for i, o := range e.order {
				if o == id {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit calls every observer with v. Observers run on the caller's goroutine
// and must not block.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.observers[id])
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}
