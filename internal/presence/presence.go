// Package presence keeps the ephemeral cursor and typing state of each user
// in each document. Nothing here touches document content or versions.
package presence

import (
	"sync"
	"time"
)

// Range is a selection, [Start, End) in character offsets.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// State is the last known presence of one user in one document.
type State struct {
	UserID      string
	Position    int
	HasCursor   bool
	Selection   *Range
	Typing      bool
	LastUpdated time.Time
}

type key struct {
	documentID string
	userID     string
}

// Tracker is safe for concurrent use; updates for a key are applied one at
// a time, in lock order.
type Tracker struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[key]State
}

// New returns an empty Tracker. now defaults to time.Now.
func New(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, entries: make(map[key]State)}
}

// UpdateCursor overwrites the cursor of userID in documentID.
func (t *Tracker) UpdateCursor(documentID, userID string, position int, selection *Range) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{documentID, userID}
	st := t.entries[k]
	st.UserID = userID
	st.Position = position
	st.HasCursor = true
	st.Selection = nil
	if selection != nil {
		sel := *selection
		st.Selection = &sel
	}
	st.LastUpdated = t.now()
	t.entries[k] = st
	return st
}

// SetTyping records whether userID is typing in documentID.
func (t *Tracker) SetTyping(documentID, userID string, typing bool) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{documentID, userID}
	st := t.entries[k]
	st.UserID = userID
	st.Typing = typing
	st.LastUpdated = t.now()
	t.entries[k] = st
	return st
}

// Clear forgets userID in documentID.
func (t *Tracker) Clear(documentID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key{documentID, userID})
}

func (t *Tracker) Get(documentID, userID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.entries[key{documentID, userID}]
	return st, ok
}

// Document returns the presence of every user known in documentID, keyed by
// user id.
func (t *Tracker) Document(documentID string) map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]State)
	for k, st := range t.entries {
		if k.documentID == documentID {
			out[k.userID] = st
		}
	}
	return out
}
