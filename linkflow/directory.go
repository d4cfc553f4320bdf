package linkflow

import "sync"

// Directory owns the linking sessions, keyed by conversation identifier.
// Sessions are volatile: a process restart loses all in-flight flows and
// users simply restart them.
type Directory struct {
	mu       sync.Mutex
	sessions map[string]Session
	locks    map[string]*sync.Mutex
}

// NewDirectory constructs an empty session directory.
func NewDirectory() *Directory {
	return &Directory{
		sessions: make(map[string]Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Mutate runs fn with exclusive access to the conversation's session. The
// per-key lock is held for the whole call, so one conversation is processed
// strictly in event-arrival order and a concurrent reset can never interleave
// with an in-flight step; distinct conversations proceed independently. The
// session starts in its zero (idle) state and is discarded again once fn
// leaves it idle.
func (d *Directory) Mutate(conversationID string, fn func(*Session) error) error {
	lock := d.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	session := d.sessions[conversationID]
	d.mu.Unlock()

	err := fn(&session)

	d.mu.Lock()
	if session.Idle() {
		delete(d.sessions, conversationID)
	} else {
		d.sessions[conversationID] = session
	}
	d.mu.Unlock()
	return err
}

// Snapshot returns a copy of the current session for a conversation.
func (d *Directory) Snapshot(conversationID string) Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[conversationID]
}

// Active returns the number of conversations with a linking flow in progress.
func (d *Directory) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// lockFor returns the mutex guarding one conversation key. Lock records are
// retained for the process lifetime; the set is bounded by the conversations
// seen.
func (d *Directory) lockFor(conversationID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[conversationID] = lock
	}
	return lock
}
