package fanout

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Directory is this node's view of where users are present on other nodes.
// It is rebuilt from presence snapshots and kept current by deltas; a node
// that stops heartbeating is forgotten after ttl.
type Directory struct {
	self string
	ttl  time.Duration

	mu        sync.RWMutex
	instances map[string]*instanceView
}

type instanceView struct {
	lastSeen time.Time
	users    map[string]map[string]struct{} // user -> rooms
}

func NewDirectory(self string, ttl time.Duration) *Directory {
	return &Directory{self: self, ttl: ttl, instances: make(map[string]*instanceView)}
}

// Apply folds an update published by origin into the directory.
func (d *Directory) Apply(origin string, u PresenceUpdate, now time.Time) {
	if origin == "" || origin == d.self {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	view := d.instances[origin]
	if view == nil || u.Snapshot {
		view = &instanceView{users: make(map[string]map[string]struct{})}
		d.instances[origin] = view
	}
	view.lastSeen = now

	for _, e := range u.Entries {
		rooms := view.users[e.UserID]
		if e.Present {
			if rooms == nil {
				rooms = make(map[string]struct{})
				view.users[e.UserID] = rooms
			}
			rooms[e.Room] = struct{}{}
			continue
		}
		if rooms != nil {
			delete(rooms, e.Room)
			if len(rooms) == 0 {
				delete(view.users, e.UserID)
			}
		}
	}
}

// Forget drops everything known about origin.
func (d *Directory) Forget(origin string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.instances, origin)
}

// Locate returns the live remote instances where userID is in room, sorted.
func (d *Directory) Locate(userID, room string, now time.Time) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := lo.Keys(lo.PickBy(d.instances, func(_ string, view *instanceView) bool {
		if d.expired(view, now) {
			return false
		}
		_, ok := view.users[userID][room]
		return ok
	}))
	sort.Strings(out)
	return out
}

// Evict removes instances whose last heartbeat is older than ttl and returns
// how many were removed.
func (d *Directory) Evict(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id, view := range d.instances {
		if d.expired(view, now) {
			delete(d.instances, id)
			n++
		}
	}
	return n
}

func (d *Directory) Instances() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := lo.Keys(d.instances)
	sort.Strings(out)
	return out
}

func (d *Directory) expired(view *instanceView, now time.Time) bool {
	return d.ttl > 0 && now.Sub(view.lastSeen) > d.ttl
}
