// Package tracker remembers which remote files have already been retrieved,
// keyed by directory and name, together with the modification time that was
// retrieved.
package tracker

import (
	"sync"
	"time"

	"github.com/yarkm13/ftpspoll/internal/remote"
)

type Key struct {
	Dir  string
	Name string
}

func KeyOf(e remote.Entry) Key {
	return Key{Dir: e.Dir, Name: e.Name}
}

// Tracker is the duplicate-suppression state of one remote root.
type Tracker struct {
	mutex sync.RWMutex
	seen  map[Key]time.Time
}

func New() *Tracker {
	return &Tracker{seen: make(map[Key]time.Time)}
}

// IsNew reports whether no record exists for key or the recorded
// modification time is strictly older than modAt.
func (t *Tracker) IsNew(key Key, modAt time.Time) bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	last, ok := t.seen[key]
	return !ok || last.Before(modAt)
}

// Record stores modAt for key. A record never moves backwards.
func (t *Tracker) Record(key Key, modAt time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if last, ok := t.seen[key]; ok && !last.Before(modAt) {
		return
	}
	t.seen[key] = modAt
}

func (t *Tracker) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.seen)
}

// each calls fn for every record, holding the read lock.
func (t *Tracker) each(fn func(Key, time.Time)) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	for k, v := range t.seen {
		fn(k, v)
	}
}
