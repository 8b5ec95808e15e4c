package schedule

import (
	"sync"

	logx "pollbot/pkg/logx"
)

// Key identifies one live weekly job: a group and a weekday.
type Key struct {
	GroupKey string
	Day      int
}

// Handle is an opaque reference to a live recurring timer. Stop must be
// idempotent and must not interrupt an in-flight firing.
type Handle interface {
	Stop()
}

// Registry owns every live job handle. It is process-local and rebuilt
// from the store on startup; it never persists anything itself.
type Registry struct {
	mu   sync.Mutex
	jobs map[Key]Handle
	log  logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	return &Registry{jobs: make(map[Key]Handle), log: log}
}

// Register installs h under k, stopping and replacing any prior handle
// atomically so a re-register can never leak a running timer.
func (r *Registry) Register(k Key, h Handle) {
	r.mu.Lock()
	prev := r.jobs[k]
	r.jobs[k] = h
	r.mu.Unlock()

	if prev != nil {
		prev.Stop()
		r.log.Debug("replaced live job", logx.String("group", k.GroupKey), logx.Int("day", k.Day))
	}
}

// UnregisterAndStop stops and removes the handle under k. It is a no-op
// when k is absent.
func (r *Registry) UnregisterAndStop(k Key) bool {
	r.mu.Lock()
	h, ok := r.jobs[k]
	delete(r.jobs, k)
	r.mu.Unlock()

	if ok {
		h.Stop()
	}
	return ok
}

// UnregisterAndStopAll stops and removes every handle for groupKey and
// returns how many were stopped.
func (r *Registry) UnregisterAndStopAll(groupKey string) int {
	r.mu.Lock()
	var stopped []Handle
	for k, h := range r.jobs {
		if k.GroupKey == groupKey {
			stopped = append(stopped, h)
			delete(r.jobs, k)
		}
	}
	r.mu.Unlock()

	for _, h := range stopped {
		h.Stop()
	}
	return len(stopped)
}

// Has reports whether a live handle exists under k.
func (r *Registry) Has(k Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[k]
	return ok
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// StopAll stops everything; used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.jobs))
	for _, h := range r.jobs {
		handles = append(handles, h)
	}
	r.jobs = make(map[Key]Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}
