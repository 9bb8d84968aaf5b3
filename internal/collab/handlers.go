package collab

import (
	"context"

	"github.com/pkg/errors"

	"collabtext/internal/archive"
	"collabtext/internal/fanout"
	"collabtext/internal/protocol"
	"collabtext/internal/registry"
	"collabtext/internal/session"
)

// join registers conn, then sends it the snapshot, tells the others, and
// sends it the roster. All of that happens while the document is locked,
// so the snapshot version and the first broadcast conn receives line up.
func (e *Engine) join(ctx context.Context, conn registry.Conn, r protocol.Join) error {
	if m, ok := e.registry.Lookup(conn.ID()); ok && m.DocumentID != r.DocumentID {
		return errors.Wrapf(registry.ErrAlreadyJoined, "connection %s is in %s", conn.ID(), m.DocumentID)
	}

	var (
		failed  []fanout.Failure
		joinErr error
		joined  bool
		version int
	)
	for {
		doc, err := e.document(ctx, r.DocumentID)
		if err != nil {
			return err
		}
		ok := doc.View(func(snap session.Snapshot) {
			var roster []registry.Member
			roster, joined, joinErr = e.registry.Join(r.DocumentID, r.UserID, r.UserName, conn)
			if joinErr != nil {
				return
			}
			version = snap.Version
			if f := e.reply(conn, protocol.NewDocumentState(snap.DocumentID, snap.Content, snap.Version)); f != nil {
				failed = append(failed, *f)
			}
			if joined {
				failed = append(failed, e.broadcast(r.DocumentID, protocol.NewUserJoined(r.UserID, r.UserName), conn.ID())...)
			}
			if f := e.reply(conn, protocol.NewActiveUsers(e.users(r.DocumentID, roster))); f != nil {
				failed = append(failed, *f)
			}
		})
		if ok {
			break
		}
		// Evicted between lookup and lock; the next lookup creates a fresh
		// session.
	}
	if joinErr != nil {
		return joinErr
	}
	e.metrics.SetDocuments(e.store.Len())
	if joined {
		e.logger.Info("connection joined document",
			"connection_id", conn.ID(),
			"document_id", r.DocumentID,
			"user_id", r.UserID,
			"version", version,
		)
	}
	e.drop(failed)
	return nil
}

// document returns the live session for id, restoring it from the loader
// or creating it empty when there is none.
func (e *Engine) document(ctx context.Context, id string) (*session.Document, error) {
	if d, ok := e.store.Get(id); ok {
		return d, nil
	}
	snap := session.Snapshot{DocumentID: id}
	if e.loader != nil {
		stored, ok, err := e.loader.Load(ctx, id)
		if err != nil {
			e.logger.Error("failed to load document", "document_id", id, "error", err)
			return nil, errors.Wrap(errUnavailable, err.Error())
		}
		if ok {
			snap.Content, snap.Version = stored.Content, stored.Version
		}
	}
	d, created := e.store.Restore(snap)
	if created && snap.Version > 0 {
		e.logger.Info("document restored", "document_id", id, "version", snap.Version)
	}
	return d, nil
}

// leave is a no-op for a connection that is not joined to r.DocumentID.
func (e *Engine) leave(conn registry.Conn, r protocol.Leave) {
	m, ok := e.registry.Leave(r.DocumentID, conn.ID())
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

// departed tells the remaining members that m is gone and cleans up after
// it. m is already out of the registry.
func (e *Engine) departed(m registry.Member) {
	failed := e.broadcast(m.DocumentID, protocol.NewUserLeft(m.UserID, m.UserName), m.Conn.ID())
	if !e.registry.HasUser(m.DocumentID, m.UserID) {
		e.presence.Clear(m.DocumentID, m.UserID)
	}
	if e.evict && e.store.EvictIf(m.DocumentID, func() bool { return e.registry.Count(m.DocumentID) == 0 }) {
		e.logger.Info("document session evicted", "document_id", m.DocumentID)
	}
	e.metrics.SetDocuments(e.store.Len())
	e.drop(failed)
}

// member returns the join record of conn if it is joined to documentID.
func (e *Engine) member(conn registry.Conn, documentID string) (registry.Member, error) {
	m, ok := e.registry.Lookup(conn.ID())
	if !ok || m.DocumentID != documentID {
		return registry.Member{}, errors.Wrapf(ErrUnknownDocument, "connection %s has not joined %s", conn.ID(), documentID)
	}
	return m, nil
}

// edit reconciles and commits the operation, then broadcasts it and acks
// the sender before the next commit to the document can start.
func (e *Engine) edit(conn registry.Conn, r protocol.Edit) error {
	m, err := e.member(conn, r.DocumentID)
	if err != nil {
		return err
	}
	if err := r.Operation.Validate(); err != nil {
		return err
	}
	doc, ok := e.store.Get(r.DocumentID)
	if !ok {
		return errors.Wrap(ErrUnknownDocument, r.DocumentID)
	}

	var failed []fanout.Failure
	c, err := doc.Submit(r.Version, r.Operation, func(c session.Commit) {
		failed = e.broadcast(c.DocumentID, protocol.NewOperationApplied(c.Op, c.Version, m.UserID), conn.ID())
		if f := e.reply(conn, protocol.NewOperationAck(c.Version)); f != nil {
			failed = append(failed, *f)
		}
		if e.archive != nil {
			op := c.Op
			e.archive.Enqueue(archive.Event{
				Kind:       archive.KindOperation,
				DocumentID: c.DocumentID,
				Version:    c.Version,
				Operation:  &op,
				UserID:     m.UserID,
				At:         c.At,
				Content:    c.Content,
			})
		}
	})
	if err != nil {
		return err
	}
	e.metrics.Committed(r.Version < c.Version-1)
	e.logger.Debug("operation committed",
		"connection_id", conn.ID(),
		"document_id", c.DocumentID,
		"user_id", m.UserID,
		"client_version", r.Version,
		"version", c.Version,
		"operation", c.Op.String(),
	)
	e.drop(failed)
	return nil
}

func (e *Engine) cursor(conn registry.Conn, r protocol.Cursor) error {
	m, err := e.member(conn, r.DocumentID)
	if err != nil {
		return err
	}
	st := e.presence.UpdateCursor(r.DocumentID, m.UserID, r.Position, r.Selection)
	e.drop(e.broadcast(r.DocumentID, protocol.NewCursorMoved(m.UserID, m.UserName, st.Position, st.Selection), conn.ID()))
	return nil
}

func (e *Engine) typing(conn registry.Conn, r protocol.Typing) error {
	m, err := e.member(conn, r.DocumentID)
	if err != nil {
		return err
	}
	e.presence.SetTyping(r.DocumentID, m.UserID, r.Active)
	e.drop(e.broadcast(r.DocumentID, protocol.NewTyping(r.Active, m.UserID, m.UserName), conn.ID()))
	return nil
}

// comment stamps the comment and sends it to every member, the author
// included.
func (e *Engine) comment(conn registry.Conn, r protocol.AddComment) error {
	m, err := e.member(conn, r.DocumentID)
	if err != nil {
		return err
	}
	c := protocol.Comment{
		ID:         e.newID(),
		DocumentID: r.DocumentID,
		UserID:     m.UserID,
		UserName:   m.UserName,
		Text:       r.Comment.Text,
		Position:   r.Comment.Position,
		Selection:  r.Comment.Selection,
		Timestamp:  e.now().UTC(),
	}
	failed := e.broadcast(r.DocumentID, protocol.NewCommentAdded(c), "")
	if e.archive != nil {
		e.archive.Enqueue(archive.Event{
			Kind:       archive.KindComment,
			DocumentID: r.DocumentID,
			UserID:     m.UserID,
			Comment:    &c,
			At:         c.Timestamp,
		})
	}
	e.drop(failed)
	return nil
}
