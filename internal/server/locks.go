package server

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// credentialLocks serializes follow actions that share a session credential.
// Keys are digests so raw cookie strings are never retained.
type credentialLocks struct {
	mutex sync.Mutex
	locks map[string]*credentialLock
}

type credentialLock struct {
	mutex   sync.Mutex
	holders int
}

func newCredentialLocks() *credentialLocks {
	return &credentialLocks{locks: make(map[string]*credentialLock)}
}

// Lock blocks until the credential is free and returns the matching unlock function.
func (registry *credentialLocks) Lock(cookieString string) func() {
	key := credentialKey(cookieString)

	registry.mutex.Lock()
	lock, exists := registry.locks[key]
	if !exists {
		lock = &credentialLock{}
		registry.locks[key] = lock
	}
	lock.holders++
	registry.mutex.Unlock()

	lock.mutex.Lock()
	return func() {
		lock.mutex.Unlock()
		registry.mutex.Lock()
		lock.holders--
		if lock.holders == 0 {
			delete(registry.locks, key)
		}
		registry.mutex.Unlock()
	}
}

func (registry *credentialLocks) size() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.locks)
}

func credentialKey(cookieString string) string {
	digest := sha256.Sum256([]byte(cookieString))
	return hex.EncodeToString(digest[:])
}
