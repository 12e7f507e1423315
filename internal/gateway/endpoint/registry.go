// Package endpoint provides the gateway-side index of which ClientSession
// currently holds which local endpoint's lock, so GetCapabilities
// responses can report lock contention truthfully (§8: "the emitted lock
// bit on Ei reflects whether any other live session holds a write lock").
//
// The underlying MediaAdapter/VoiceAdapter already ask the real transport
// to take the AVDTP/device lock; this registry exists because the
// transport has no notion of "ClientSession" to ask "is it YOU holding
// it". Grounded on the teacher's Pool.sessionToAddr affinity map
// (services/signaling/transport/pool.go): a small synchronized index kept
// alongside, not inside, the objects it tracks.
package endpoint

import (
	"sync"

	"github.com/sebas/btaudiogw/internal/gateway/wire"
)

// Key identifies a local endpoint by the source address that owns it and
// its SEID.
type Key struct {
	Source string
	SEID   byte
}

type owner struct {
	sessionID string
	mode      byte
}

// LockRegistry tracks local-endpoint lock ownership across all live
// ClientSessions.
type LockRegistry struct {
	mu     sync.RWMutex
	owners map[Key]owner
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{owners: make(map[Key]owner)}
}

// Acquire records sessionID as the holder of key with the given lock mode
// (wire.LockRead|wire.LockWrite bits). It fails if another session already
// holds the lock.
func (r *LockRegistry) Acquire(key Key, sessionID string, mode byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.owners[key]; ok && existing.sessionID != sessionID {
		return false
	}
	r.owners[key] = owner{sessionID: sessionID, mode: mode}
	return true
}

// Release drops sessionID's hold on key, if it is in fact the holder.
// Safe to call unconditionally on session destruction (§3 invariant: "on
// destruction the lock is released unconditionally").
func (r *LockRegistry) Release(key Key, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.owners[key]; ok && existing.sessionID == sessionID {
		delete(r.owners, key)
	}
}

// WriteLockedByOther reports whether some session other than
// excludeSessionID holds a write lock on key (§8 testable property).
func (r *LockRegistry) WriteLockedByOther(key Key, excludeSessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.owners[key]
	if !ok || o.sessionID == excludeSessionID {
		return false
	}
	return o.mode&wire.LockWrite != 0
}
