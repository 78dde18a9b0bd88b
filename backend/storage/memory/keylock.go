package memory

import "sync"

type keyEntry struct {
	mx   sync.Mutex
	refs int
}

// KeyLock hands out one mutex per key. Entries live only while some
// goroutine holds or waits for them.
type KeyLock struct {
	mx   sync.Mutex
	keys map[string]*keyEntry
}

func NewKeyLock() *KeyLock {
	return &KeyLock{
		keys: make(map[string]*keyEntry),
	}
}

// Lock acquires the mutex for key and returns its release func.
func (kl *KeyLock) Lock(key string) func() {
	kl.mx.Lock()
	e, ok := kl.keys[key]
	if !ok {
		e = &keyEntry{}
		kl.keys[key] = e
	}
	e.refs++
	kl.mx.Unlock()

	e.mx.Lock()
	return func() {
		e.mx.Unlock()

		kl.mx.Lock()
		e.refs--
		if e.refs == 0 {
			delete(kl.keys, key)
		}
		kl.mx.Unlock()
	}
}

// LockPair acquires two keys in a fixed order so that concurrent callers
// locking the same pair in opposite roles cannot deadlock.
func (kl *KeyLock) LockPair(a, b string) func() {
	if a == b {
		return kl.Lock(a)
	}
	if b < a {
		a, b = b, a
	}
	unlockA := kl.Lock(a)
	unlockB := kl.Lock(b)
	return func() {
		unlockB()
		unlockA()
	}
}

// Len reports the number of keys currently in use.
func (kl *KeyLock) Len() int {
	kl.mx.Lock()
	defer kl.mx.Unlock()
	return len(kl.keys)
}
