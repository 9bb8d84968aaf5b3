// Package registry tracks which connections are joined to which document.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrAlreadyJoined is returned when a connection that is joined to one
// document asks to join another.
var ErrAlreadyJoined = errors.New("connection already joined to another document")

// Conn is the core's handle on a transport connection. The transport owns
// its lifecycle; Send must not block.
type Conn interface {
	ID() string
	Send(msg []byte) error
}

// Member is one connection joined to one document.
type Member struct {
	Conn       Conn
	DocumentID string
	UserID     string
	UserName   string
	JoinedAt   time.Time
}

// Registry is safe for concurrent use. It never calls into a Conn.
type Registry struct {
	now func() time.Time

	mu    sync.RWMutex
	docs  map[string]map[string]*Member // document id -> connection id -> member
	conns map[string]*Member
}

func New() *Registry {
	return &Registry{
		now:   time.Now,
		docs:  make(map[string]map[string]*Member),
		conns: make(map[string]*Member),
	}
}

// Join registers conn under documentID and returns the roster including the
// new member. Joining the same document twice is a no-op reported by
// joined == false.
func (r *Registry) Join(documentID, userID, userName string, conn Conn) (roster []Member, joined bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.conns[conn.ID()]; ok {
		if m.DocumentID != documentID {
			return nil, false, errors.Wrapf(ErrAlreadyJoined, "connection %s is in %s", conn.ID(), m.DocumentID)
		}
		return r.rosterLocked(documentID), false, nil
	}
	m := &Member{
		Conn:       conn,
		DocumentID: documentID,
		UserID:     userID,
		UserName:   userName,
		JoinedAt:   r.now(),
	}
	set, ok := r.docs[documentID]
	if !ok {
		set = make(map[string]*Member)
		r.docs[documentID] = set
	}
	set[conn.ID()] = m
	r.conns[conn.ID()] = m
	return r.rosterLocked(documentID), true, nil
}

// Leave removes the connection from documentID. It reports false if the
// connection was not joined to that document.
func (r *Registry) Leave(documentID, connID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok || m.DocumentID != documentID {
		return Member{}, false
	}
	r.removeLocked(m)
	return *m, true
}

// Disconnect removes the connection from whatever document it is joined
// to. Calling it again, or after Leave, reports false.
func (r *Registry) Disconnect(connID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok {
		return Member{}, false
	}
	r.removeLocked(m)
	return *m, true
}

func (r *Registry) removeLocked(m *Member) {
	id := m.Conn.ID()
	delete(r.conns, id)
	set := r.docs[m.DocumentID]
	delete(set, id)
	if len(set) == 0 {
		delete(r.docs, m.DocumentID)
	}
}

// Lookup returns the membership of connID.
func (r *Registry) Lookup(connID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Members returns the members of documentID in join order.
func (r *Registry) Members(documentID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked(documentID)
}

func (r *Registry) rosterLocked(documentID string) []Member {
	set := r.docs[documentID]
	out := make([]Member, 0, len(set))
	for _, m := range set {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Conn.ID() < out[j].Conn.ID()
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Count returns the number of connections joined to documentID.
func (r *Registry) Count(documentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs[documentID])
}

// HasUser reports whether any connection of userID is joined to documentID.
func (r *Registry) HasUser(documentID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.docs[documentID] {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// Connections returns the total number of joined connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
