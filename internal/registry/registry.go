// Package registry tracks which users currently have a live real-time
// connection. It is purely in-memory: a process restart empties it.
package registry

import (
	"github.com/c-pro/geche"
)

// Registry maps a user id to its single live connection handle. The
// current design is last-connect-wins: a second device replaces the
// first one's handle.
type Registry[H comparable] struct {
	conns *geche.Locker[string, H]
}

func New[H comparable]() *Registry[H] {
	return &Registry[H]{
		conns: geche.NewLocker[string, H](geche.NewMapCache[string, H]()),
	}
}

// Register stores the handle for the user, replacing any existing one.
func (r *Registry[H]) Register(userID string, handle H) {
	tx := r.conns.Lock()
	defer tx.Unlock()
	tx.Set(userID, handle)
}

// Unregister removes the mapping only while the caller's handle is still
// the stored one, so a stale disconnect cannot evict a newer connection.
func (r *Registry[H]) Unregister(userID string, handle H) {
	tx := r.conns.Lock()
	defer tx.Unlock()

	current, err := tx.Get(userID)
	if err != nil || current != handle {
		return
	}
	_ = tx.Del(userID)
}

// Lookup returns the live handle for the user, if any. Absence means
// "not reachable right now" and is not an error.
func (r *Registry[H]) Lookup(userID string) (H, bool) {
	tx := r.conns.Lock()
	defer tx.Unlock()

	handle, err := tx.Get(userID)
	if err != nil {
		var zero H
		return zero, false
	}
	return handle, true
}
