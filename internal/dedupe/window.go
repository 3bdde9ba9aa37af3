// ABOUTME: Size-bounded TTL window of seen keys with insertion-order eviction.
// ABOUTME: Claim is the atomic check-and-mark used for at-most-once delivery.

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Defaults used by the gateway.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxKeys = 10000
)

type entry struct {
	key    string
	seenAt time.Time
}

// Window remembers keys for ttl, holding at most maxKeys. When full, the
// oldest key is forgotten first.
type Window struct {
	mu      sync.Mutex
	keys    map[string]*list.Element
	order   *list.List // of *entry, oldest at front
	ttl     time.Duration
	maxKeys int
	now     func() time.Time
}

// NewWindow creates an empty window.
func NewWindow(ttl time.Duration, maxKeys int) *Window {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &Window{
		keys:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

// Seen reports whether key was claimed within the window.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.keys[key]
	return ok && w.live(el.Value.(*entry))
}

// Claim marks key as seen. It returns false if key was already seen within the
// window, in which case nothing changes.
func (w *Window) Claim(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.keys[key]; ok {
		if w.live(el.Value.(*entry)) {
			return false
		}
		w.order.Remove(el)
		delete(w.keys, key)
	}

	for len(w.keys) >= w.maxKeys {
		w.removeFront()
	}

	w.keys[key] = w.order.PushBack(&entry{key: key, seenAt: w.now()})
	return true
}

// Forget removes key so it can be claimed again.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.keys[key]; ok {
		w.order.Remove(el)
		delete(w.keys, key)
	}
}

// Len returns the number of tracked keys, including expired ones not yet swept.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.keys)
}

// Sweep drops expired keys. Keys are in claim order, so it stops at the
// first live one.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if w.live(front.Value.(*entry)) {
			break
		}
		w.removeFront()
		removed++
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (w *Window) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

func (w *Window) live(e *entry) bool {
	return w.now().Sub(e.seenAt) < w.ttl
}

func (w *Window) removeFront() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.keys, front.Value.(*entry).key)
}
