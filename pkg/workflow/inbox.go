package workflow

import "sync"

// Inbox carries user input into a running workflow. The router pushes
// refinements and cancellation here; the engine drains it at step
// boundaries so all mutations for one user stay serialized.
type Inbox struct {
	mu          sync.Mutex
	refinements []string
	cancelled   bool
}

// AddRefinement queues a refinement for the next step boundary.
func (i *Inbox) AddRefinement(text string) {
	i.mu.Lock()
	i.refinements = append(i.refinements, text)
	i.mu.Unlock()
}

// Cancel sets the cancel flag. The workflow observes it at the next
// suspension point.
func (i *Inbox) Cancel() {
	i.mu.Lock()
	i.cancelled = true
	i.mu.Unlock()
}

// Cancelled reports whether cancellation was requested.
func (i *Inbox) Cancelled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelled
}

// Drain returns and clears the queued refinements.
func (i *Inbox) Drain() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.refinements
	i.refinements = nil
	return out
}

// Inboxes tracks the inbox of every workflow running on this pod.
type Inboxes struct {
	mu     sync.RWMutex
	byUser map[string]*Inbox
}

// NewInboxes creates an empty registry.
func NewInboxes() *Inboxes {
	return &Inboxes{byUser: make(map[string]*Inbox)}
}

// Open creates (or returns) the inbox for a user.
func (r *Inboxes) Open(userID string) *Inbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.byUser[userID]; ok {
		return in
	}
	in := &Inbox{}
	r.byUser[userID] = in
	return in
}

// Lookup returns the inbox for a user when its workflow runs locally.
func (r *Inboxes) Lookup(userID string) (*Inbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.byUser[userID]
	return in, ok
}

// Close removes a finished workflow's inbox.
func (r *Inboxes) Close(userID string) {
	r.mu.Lock()
	delete(r.byUser, userID)
	r.mu.Unlock()
}
