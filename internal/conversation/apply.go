package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/script"
	"github.com/BTreeMap/RelayPipe/internal/store"
)

// apply performs effects in order. The first failure aborts the rest; effects
// already applied stay applied.
func (d *Dispatcher) apply(ctx context.Context, t *turn, effects []script.Effect) error {
	for _, e := range effects {
		if err := d.applyOne(ctx, t, e); err != nil {
			slog.Error("Failed to apply effect", "error", err, "effect", e.Kind(), "sessionID", t.session.SessionID())
			return err
		}
		d.metrics.Effect(e.Kind())
	}
	return nil
}

func (d *Dispatcher) applyOne(ctx context.Context, t *turn, e script.Effect) error {
	switch e := e.(type) {
	case script.SendText:
		return d.sendToSession(ctx, t, t.session, e.Text)

	case script.SendAttachment:
		path := e.Path
		if !filepath.IsAbs(path) && d.attachmentDir != "" {
			path = filepath.Join(d.attachmentDir, path)
		}
		if _, err := d.transport.SendAttachment(ctx, t.botPhone(), t.session.Address(), path); err != nil {
			return fmt.Errorf("failed to send attachment %s: %w", e.Path, err)
		}
		slog.Info("Attachment sent", "sessionID", t.session.SessionID(), "path", e.Path)
		return nil

	case script.PersistStep:
		if err := d.store.UpdateSession(ctx, t.session.Kind(), t.session.SessionID(), t.session.ScriptID(), e.Step); err != nil {
			return fmt.Errorf("failed to store step %s: %w", e.Step, err)
		}
		t.session.SetStep(e.Step)
		slog.Debug("Session step stored", "sessionID", t.session.SessionID(), "step", e.Step)
		return nil

	case script.PersistVariable:
		return d.persistVariable(ctx, t, e)

	case script.TagMessage:
		return d.store.SetMessageType(ctx, e.CommunityID, e.Timestamp, e.Type)

	case script.Broadcast:
		return d.broadcast(ctx, t, e)

	case script.NotifyAdmins:
		return d.notifyAdmins(ctx, t, e.CommunityID, e.Text)

	case script.RecordMessage:
		return d.store.RecordMessage(ctx, &models.Message{
			CommunityID: e.CommunityID,
			SessionID:   e.SessionID,
			Text:        e.Message,
			Timestamp:   e.Timestamp,
			Phone:       e.Phone,
			Direction:   models.DirectionInbound,
		})
	}
	return fmt.Errorf("unsupported effect %T", e)
}

func (d *Dispatcher) persistVariable(ctx context.Context, t *turn, e script.PersistVariable) error {
	target := models.VarTarget{Kind: t.session.Kind(), ID: t.session.SessionID()}
	var local models.ConversationSession = t.session

	if e.Scope == script.ScopeGroup {
		g, ok := t.session.(*models.GroupSession)
		if !ok || g.GroupID != e.GroupID {
			other, err := d.store.GetGroupSession(ctx, t.community.ID, e.GroupID)
			if err != nil {
				return err
			}
			if other == nil {
				return fmt.Errorf("group %s: %w", e.GroupID, store.ErrNotFound)
			}
			g = other
		}
		target = models.VarTarget{Kind: models.SessionGroup, ID: g.ID}
		local = g
	}

	if err := d.store.SetVariable(ctx, target, e.Name, e.Value); err != nil {
		return fmt.Errorf("failed to store variable %s: %w", e.Name, err)
	}
	local.SetVar(e.Name, e.Value)
	return nil
}

// sendToSession sends text to a session after a best-effort typing indicator
// and records it as outbound.
func (d *Dispatcher) sendToSession(ctx context.Context, t *turn, to models.ConversationSession, text string) error {
	if err := d.transport.SendTyping(ctx, t.botPhone(), to.Address()); err != nil {
		slog.Warn("Typing indicator failed", "error", err, "sessionID", to.SessionID())
	}
	id, err := d.transport.Send(ctx, t.botPhone(), []string{to.Address()}, text)
	if err != nil {
		return fmt.Errorf("failed to send to session %s: %w", to.SessionID(), err)
	}
	slog.Info("Message sent", "sessionID", to.SessionID(), "transportID", id)
	return d.recordOutbound(ctx, t.community.ID, to.SessionID(), to, id, text)
}

// recordOutbound stores a sent message. sessionID is the conversation the
// message belongs to; replies to it are forwarded there.
func (d *Dispatcher) recordOutbound(ctx context.Context, communityID, sessionID string, to models.ConversationSession, transportID, text string) error {
	m := &models.Message{
		CommunityID:     communityID,
		SessionID:       sessionID,
		Text:            text,
		Timestamp:       transportID,
		Direction:       models.DirectionOutbound,
		TargetSessionID: to.SessionID(),
	}
	if ds, ok := to.(*models.DirectSession); ok {
		m.Phone = ds.Phone
	}
	if err := d.store.RecordMessage(ctx, m); err != nil {
		return fmt.Errorf("failed to record outbound message: %w", err)
	}
	return nil
}

// broadcast sends an announcement to every participant holding the script's
// target permission, one send per recipient.
func (d *Dispatcher) broadcast(ctx context.Context, t *turn, e script.Broadcast) error {
	targets := ""
	if t.record != nil {
		targets = t.record.TargetsQuery
	}
	participants, err := d.store.ListParticipants(ctx, e.CommunityID)
	if err != nil {
		return fmt.Errorf("failed to list participants: %w", err)
	}
	sent := 0
	for _, p := range participants {
		if !models.HasPermission(p.Permissions, targets) {
			continue
		}
		id, err := d.transport.Send(ctx, t.botPhone(), []string{p.Phone}, e.Text)
		if err != nil {
			return fmt.Errorf("failed to send announcement to %s: %w", p.ID, err)
		}
		if err := d.recordOutbound(ctx, e.CommunityID, e.SessionID, p, id, e.Text); err != nil {
			return err
		}
		sent++
	}
	slog.Info("Announcement sent", "communityID", e.CommunityID, "recipients", sent, "targets", targets)
	return nil
}

// notifyAdmins sends text to every community admin other than the sender of
// the inbound message. Replies from an admin go back to the turn's session.
func (d *Dispatcher) notifyAdmins(ctx context.Context, t *turn, communityID, text string) error {
	participants, err := d.store.ListParticipants(ctx, communityID)
	if err != nil {
		return fmt.Errorf("failed to list participants: %w", err)
	}
	sender := ""
	if t.msg != nil {
		sender = t.msg.From
	}
	sent := 0
	for _, p := range participants {
		if !models.HasPermission(p.Permissions, models.PermissionAdmin) || (sender != "" && p.Phone == sender) {
			continue
		}
		id, err := d.transport.Send(ctx, t.botPhone(), []string{p.Phone}, text)
		if err != nil {
			return fmt.Errorf("failed to notify admin %s: %w", p.ID, err)
		}
		if err := d.recordOutbound(ctx, communityID, t.session.SessionID(), p, id, text); err != nil {
			return err
		}
		sent++
	}
	if sent == 0 {
		slog.Warn("No admins to notify", "communityID", communityID)
	}
	return nil
}
