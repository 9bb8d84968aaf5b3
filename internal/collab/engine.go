// Package collab is the entry point of the sync core. It receives decoded
// requests from a connection and drives the session store, the registry,
// presence and fanout in the order each request needs.
package collab

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"collabtext/internal/archive"
	"collabtext/internal/fanout"
	"collabtext/internal/metrics"
	"collabtext/internal/ot"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/registry"
	"collabtext/internal/resolver"
	"collabtext/internal/session"
)

// ErrUnknownDocument is returned for requests on a document the connection
// has not joined.
var ErrUnknownDocument = errors.New("document not found")

// errUnavailable is returned when a document could not be loaded.
var errUnavailable = errors.New("document unavailable")

// Archiver accepts events for persistence without blocking.
type Archiver interface {
	Enqueue(ev archive.Event) bool
}

// Options configures an Engine. Zero values are replaced with working
// defaults, so Options{} is a complete in-memory engine.
type Options struct {
	Store    *session.Store
	Registry *registry.Registry
	Presence *presence.Tracker
	// Archive receives committed operations and comments. Optional.
	Archive Archiver
	// Loader restores documents that have no live session. Optional.
	Loader archive.Loader
	// EvictOnEmpty drops a document session when its last member leaves.
	EvictOnEmpty bool
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
	NewID        func() string
}

type Engine struct {
	store    *session.Store
	registry *registry.Registry
	presence *presence.Tracker
	fanout   *fanout.Broadcaster
	archive  Archiver
	loader   archive.Loader
	evict    bool
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Store == nil {
		opts.Store = session.NewStore(session.Options{Logger: logger, Now: opts.Now})
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Presence == nil {
		opts.Presence = presence.New(opts.Now)
	}
	return &Engine{
		store:    opts.Store,
		registry: opts.Registry,
		presence: opts.Presence,
		fanout:   fanout.New(opts.Registry, logger, opts.Metrics),
		archive:  opts.Archive,
		loader:   opts.Loader,
		evict:    opts.EvictOnEmpty,
		metrics:  opts.Metrics,
		logger:   logger,
		now:      opts.Now,
		newID:    opts.NewID,
	}
}

// HandleMessage decodes one raw request from conn and handles it. Requests
// that cannot be decoded are answered with an error message to conn only.
// The returned error is the rejection reported to conn, if any.
func (e *Engine) HandleMessage(ctx context.Context, conn registry.Conn, data []byte) error {
	req, err := protocol.Decode(data)
	if err != nil {
		e.reject(conn, err)
		return err
	}
	return e.Handle(ctx, conn, req)
}

// Handle runs one decoded request.
func (e *Engine) Handle(ctx context.Context, conn registry.Conn, req protocol.Request) error {
	e.metrics.Request(req.Type())
	var err error
	switch r := req.(type) {
	case protocol.Join:
		err = e.join(ctx, conn, r)
	case protocol.Leave:
		e.leave(conn, r)
	case protocol.Edit:
		err = e.edit(conn, r)
	case protocol.Cursor:
		err = e.cursor(conn, r)
	case protocol.Typing:
		err = e.typing(conn, r)
	case protocol.AddComment:
		err = e.comment(conn, r)
	default:
		err = errors.Wrapf(protocol.ErrUnknownRequest, "%T", req)
	}
	if err != nil {
		e.reject(conn, err)
	}
	return err
}

// Disconnect removes conn from whatever document it joined. The transport
// calls it when the connection closes; extra calls are no-ops.
func (e *Engine) Disconnect(conn registry.Conn) {
	m, ok := e.registry.Disconnect(conn.ID())
	if !ok {
		return
	}
	e.logger.Info("connection left document",
		"connection_id", conn.ID(),
		"document_id", m.DocumentID,
		"user_id", m.UserID,
	)
	e.departed(m)
}

// State is the inspection view of one live document.
type State struct {
	DocumentID string          `json:"documentId"`
	Content    string          `json:"content"`
	Version    int             `json:"version"`
	Users      []protocol.User `json:"users"`
}

// Inspect returns the live state of documentID.
func (e *Engine) Inspect(documentID string) (State, bool) {
	snap, ok := e.store.Snapshot(documentID)
	if !ok {
		return State{}, false
	}
	return State{
		DocumentID: snap.DocumentID,
		Content:    snap.Content,
		Version:    snap.Version,
		Users:      e.users(documentID, e.registry.Members(documentID)),
	}, true
}

// Documents returns the ids of all live sessions.
func (e *Engine) Documents() []string {
	return e.store.IDs()
}

// users lists members for active_users, one entry per connection, with the
// presence known for each user.
func (e *Engine) users(documentID string, members []registry.Member) []protocol.User {
	states := e.presence.Document(documentID)
	users := make([]protocol.User, 0, len(members))
	for _, m := range members {
		u := protocol.User{UserID: m.UserID, UserName: m.UserName}
		if st, ok := states[m.UserID]; ok {
			u.Typing = st.Typing
			if st.HasCursor {
				u.Cursor = &protocol.CursorInfo{Position: st.Position, Selection: st.Selection}
			}
		}
		users = append(users, u)
	}
	return users
}

// reject reports err to conn as an error message.
func (e *Engine) reject(conn registry.Conn, err error) {
	code, message := classify(err)
	e.metrics.Rejected(code)
	e.logger.Debug("request rejected",
		"connection_id", conn.ID(),
		"code", code,
		"error", err,
	)
	if f := e.reply(conn, protocol.NewError(code, message)); f != nil {
		e.drop([]fanout.Failure{*f})
	}
}

// classify maps an error to its wire code and message.
func classify(err error) (code, message string) {
	switch {
	case errors.Is(err, protocol.ErrInvalidFormat):
		return protocol.CodeInvalidFormat, "Invalid message format"
	case errors.Is(err, protocol.ErrUnknownRequest):
		return protocol.CodeUnknownRequest, "Unknown message type"
	case errors.Is(err, ErrUnknownDocument), errors.Is(err, session.ErrUnknownDocument), errors.Is(err, session.ErrEvicted):
		return protocol.CodeUnknownDocument, "Document not found"
	case errors.Is(err, ot.ErrOutOfRange):
		return protocol.CodeOutOfRange, "Operation out of range"
	case errors.Is(err, ot.ErrInvalidOp):
		return protocol.CodeInvalidOperation, "Invalid operation"
	case errors.Is(err, resolver.ErrStaleVersion):
		return protocol.CodeStaleVersion, "Version is too old, rejoin the document"
	case errors.Is(err, resolver.ErrInvalidVersion):
		return protocol.CodeInvalidVersion, "Version is ahead of the document"
	case errors.Is(err, registry.ErrAlreadyJoined):
		return protocol.CodeAlreadyJoined, "Already joined to another document"
	case errors.Is(err, errUnavailable):
		return protocol.CodeInternal, "Document unavailable"
	default:
		return protocol.CodeInternal, "Internal error"
	}
}

func (e *Engine) encode(m protocol.Message) []byte {
	b, err := protocol.Encode(m)
	if err != nil {
		e.logger.Error("failed to encode message", "type", m.MessageType(), "error", err)
		return nil
	}
	return b
}

func (e *Engine) reply(conn registry.Conn, m protocol.Message) *fanout.Failure {
	b := e.encode(m)
	if b == nil {
		return nil
	}
	return e.fanout.Send(conn, b)
}

func (e *Engine) broadcast(documentID string, m protocol.Message, exclude string) []fanout.Failure {
	b := e.encode(m)
	if b == nil {
		return nil
	}
	return e.fanout.Broadcast(documentID, b, exclude)
}

// closer is implemented by transport connections that can be torn down
// from the core's side.
type closer interface {
	Close() error
}

// drop disconnects every connection that could not take a message. It must
// not be called with a document lock held.
func (e *Engine) drop(failed []fanout.Failure) {
	for _, f := range failed {
		e.logger.Warn("dropping unreachable connection",
			"connection_id", f.Conn.ID(),
			"error", f.Err,
		)
		e.Disconnect(f.Conn)
		if c, ok := f.Conn.(closer); ok {
			_ = c.Close()
		}
	}
}
