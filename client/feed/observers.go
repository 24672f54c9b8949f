package feed

import "sync"

// Observers is a registry of callbacks notified in registration order.
// The zero value is ready to use.
type Observers[T any] struct {
	mu   sync.Mutex
	next int
	subs []observer[T]
}

type observer[T any] struct {
	id int
	fn func(T)
}

// Register adds fn and returns a function that removes it again. Calling the
// disposer more than once is harmless.
func (o *Observers[T]) Register(fn func(T)) (dispose func()) {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs = append(o.subs, observer[T]{id: id, fn: fn})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Notify calls every registered observer with v. Observers run outside the
// lock so they may register or dispose others.
func (o *Observers[T]) Notify(v T) {
	o.mu.Lock()
	subs := make([]observer[T], len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of registered observers.
func (o *Observers[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}
