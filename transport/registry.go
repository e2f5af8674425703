package transport

import (
	"sync"
	"time"

	"github.com/atomscat/softswitch-gateway/protocol"
)

// apiQueue is the FIFO of pending synchronous replies. ESL sends replies in
// command order on one socket, so head-pop matches head-push as long as
// enqueue happens inside the same critical section as the write (the
// connection's write mutex guarantees that).
//
// A timed-out future stays in the queue until its reply arrives: the reply
// still consumes the slot, which is what keeps later calls correlated.
type apiQueue struct {
	mu      sync.Mutex
	futures []*replyFuture
}

func newApiQueue() *apiQueue {
	return &apiQueue{}
}

func (q *apiQueue) push(f *replyFuture) {
	q.mu.Lock()
	q.futures = append(q.futures, f)
	q.mu.Unlock()
}

func (q *apiQueue) pop() *replyFuture {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.futures) == 0 {
		return nil
	}

	f := q.futures[0]
	q.futures = q.futures[1:]
	return f
}

func (q *apiQueue) failAll(err error) {
	q.mu.Lock()
	futures := q.futures
	q.futures = nil
	q.mu.Unlock()

	for _, f := range futures {
		f.fail(err)
	}
}

func (q *apiQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.futures)
}

type jobEntry struct {
	future   *jobFuture
	deadline time.Time
}

// jobRegistry maps pending Job-UUIDs to their completion futures. Every
// insertion carries a deadline so the map stays bounded even when
// FreeSWITCH never delivers the BACKGROUND_JOB event.
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[string]*jobEntry)}
}

// register inserts a pending job. FreeSWITCH guarantees UUID uniqueness
// across live jobs; a duplicate fails the new insertion, not the old one.
func (r *jobRegistry) register(uuid string, deadline time.Time) (*jobFuture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[uuid]; ok {
		return nil, protocol.ErrDuplicateJobID
	}

	f := newJobFuture()
	r.jobs[uuid] = &jobEntry{future: f, deadline: deadline}
	return f, nil
}

// complete resolves the pending job for uuid, if any, and reports whether
// one was found.
func (r *jobRegistry) complete(uuid string, event *protocol.EslEvent) bool {
	r.mu.Lock()
	entry, ok := r.jobs[uuid]
	if ok {
		delete(r.jobs, uuid)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	entry.future.complete(event, nil)
	return true
}

// sweep fails and removes every entry whose deadline has passed.
func (r *jobRegistry) sweep(now time.Time) {
	r.mu.Lock()
	var expired []*jobEntry
	for uuid, entry := range r.jobs {
		if now.After(entry.deadline) {
			expired = append(expired, entry)
			delete(r.jobs, uuid)
		}
	}
	r.mu.Unlock()

	for _, entry := range expired {
		entry.future.fail(protocol.ErrTimeout)
	}
}

func (r *jobRegistry) failAll(err error) {
	r.mu.Lock()
	entries := make([]*jobEntry, 0, len(r.jobs))
	for _, entry := range r.jobs {
		entries = append(entries, entry)
	}
	r.jobs = make(map[string]*jobEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.future.fail(err)
	}
}

func (r *jobRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
