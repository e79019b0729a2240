package orchestrator

import "sync"

// KeyedMutex is a map of independent mutexes, one per key, used to
// serialize per-session turns and per-user condensation/profile-synthesis
// cascades (spec.md §5). Grounded on the teacher's engine/progress_guard.go
// ProgressGuard (same per-key map-of-state idiom), but generalized from
// that type's non-blocking TryQueue/skip semantics into a genuine
// blocking mutex: the spec requires callers to serialize on the same
// critical section, not skip it when busy.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex builds an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until key's mutex is free, then locks it and returns an
// unlock function the caller must call (typically via defer).
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
