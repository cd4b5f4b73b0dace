package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/script"
)

// turn is the state of one inbound event while it is being handled.
type turn struct {
	community *models.Community
	session   models.ConversationSession
	record    *models.ScriptRecord // nil when the session has no script
	interp    *script.Interpreter
	vars      script.Vars
	msg       *models.InboundMessage

	// sender is the participant's direct session, when one exists.
	sender *models.DirectSession
	// member is the participant's membership in the group thread, for group turns.
	member *models.GroupMember
}

func (t *turn) botPhone() string {
	return t.community.BotPhone
}

// senderName is how other participants see the sender.
func (t *turn) senderName() string {
	if t.sender != nil {
		return t.sender.DisplayName()
	}
	if t.msg != nil && t.msg.FromName != "" {
		return t.msg.FromName
	}
	if t.msg != nil {
		return t.msg.From
	}
	return ""
}

// communityPermitted checks the sender's community-level permissions.
func (t *turn) communityPermitted(perm string) bool {
	return t.sender != nil && models.HasPermission(t.sender.Permissions, perm)
}

// groupPermitted checks the sender's permissions as a member of the turn's
// group. Community admins are permitted everywhere.
func (t *turn) groupPermitted(perm string) bool {
	if t.member != nil && models.HasPermission(t.member.Permissions, perm) {
		return true
	}
	return t.communityPermitted(models.PermissionAdmin)
}

func (d *Dispatcher) directSession(ctx context.Context, c *models.Community, phone string) (*models.DirectSession, bool, error) {
	s, err := d.store.GetDirectSession(ctx, c.ID, phone)
	if err != nil {
		return nil, false, err
	}
	if s != nil {
		return s, false, nil
	}
	s = &models.DirectSession{
		CommunityID:     c.ID,
		Phone:           phone,
		CurrentScriptID: c.OnboardingScriptID,
		Step:            models.StepStart,
	}
	if err := d.store.CreateDirectSession(ctx, s); err != nil {
		slog.Error("Failed to create direct session", "error", err, "communityID", c.ID)
		return nil, false, fmt.Errorf("failed to create direct session: %w", err)
	}
	return s, true, nil
}

func (d *Dispatcher) groupSession(ctx context.Context, c *models.Community, groupID string) (*models.GroupSession, bool, error) {
	g, err := d.store.GetGroupSession(ctx, c.ID, groupID)
	if err != nil {
		return nil, false, err
	}
	created := false
	if g == nil {
		g = &models.GroupSession{
			CommunityID:     c.ID,
			GroupID:         groupID,
			CurrentScriptID: c.GroupScriptID,
			Step:            models.StepStart,
		}
		if err := d.store.CreateGroupSession(ctx, g); err != nil {
			slog.Error("Failed to create group session", "error", err, "communityID", c.ID, "groupID", groupID)
			return nil, false, fmt.Errorf("failed to create group session: %w", err)
		}
		created = true
	}
	peers, err := d.store.ListGroupHashtags(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	g.Peers = peers
	return g, created, nil
}

// loadSender fills in the sender's direct session and group membership for a group turn.
func (d *Dispatcher) loadSender(ctx context.Context, t *turn) error {
	if t.msg == nil || t.msg.From == "" {
		return nil
	}
	sender, err := d.store.GetDirectSession(ctx, t.community.ID, t.msg.From)
	if err != nil {
		return err
	}
	t.sender = sender
	if t.session.Kind() == models.SessionGroup {
		member, err := d.store.GetGroupMember(ctx, t.session.SessionID(), t.msg.From)
		if err != nil {
			return err
		}
		t.member = member
	}
	if t.sender != nil && t.record != nil && strings.Contains(t.record.VarsQuery, "participant.") {
		d.applyLookups(t)
	}
	return nil
}

func (d *Dispatcher) newTurn(ctx context.Context, c *models.Community, sess models.ConversationSession, msg *models.InboundMessage) (*turn, error) {
	record, interp, err := d.scripts.load(ctx, sess.ScriptID())
	if err != nil {
		slog.Error("Failed to load script", "error", err, "scriptID", sess.ScriptID(), "sessionID", sess.SessionID())
		return nil, err
	}
	t := &turn{community: c, session: sess, record: record, interp: interp, msg: msg}
	t.vars = seedVars(t)
	d.applyLookups(t)
	return t, nil
}

// restart points the turn's session at record and reseeds the context for it.
func (d *Dispatcher) restart(ctx context.Context, t *turn, record *models.ScriptRecord, interp *script.Interpreter) error {
	t.session.Restart(record.ID)
	if err := d.store.UpdateSession(ctx, t.session.Kind(), t.session.SessionID(), record.ID, models.StepStart); err != nil {
		return fmt.Errorf("failed to restart session %s: %w", t.session.SessionID(), err)
	}
	t.record, t.interp = record, interp
	t.vars = seedVars(t)
	d.applyLookups(t)
	return nil
}

// seedVars builds the turn's Variable Context from the session and the inbound message.
func seedVars(t *turn) script.Vars {
	vars := script.Vars{}
	vars.Merge(t.session.Vars())
	vars[script.VarSessionID] = t.session.SessionID()
	vars[script.VarCommunityID] = t.community.ID
	vars[script.VarBotPhone] = t.community.BotPhone
	vars[script.VarStep] = t.session.CurrentStep()

	switch s := t.session.(type) {
	case *models.DirectSession:
		vars[script.VarPhone] = s.Phone
	case *models.GroupSession:
		vars[script.VarGroupID] = s.GroupID
		if s.Hashtag != "" {
			vars[script.VarHashtag] = s.Hashtag
		}
	}

	if m := t.msg; m != nil {
		vars[script.VarMessage] = m.Text
		if m.From != "" {
			vars[script.VarPhone] = m.From
		}
		if m.Timestamp != "" {
			vars[script.VarTimestamp] = m.Timestamp
		}
		if m.GroupID != "" {
			vars[script.VarGroupID] = m.GroupID
		}
		if !vars.Has(script.VarName) && m.FromName != "" {
			vars[script.VarName] = m.FromName
		}
	}
	return vars
}

// applyLookups merges the script's vars_query lookups into the context. Lookups
// are "scope.name" pairs stored under the same dotted key.
func (d *Dispatcher) applyLookups(t *turn) {
	if t.record == nil || strings.TrimSpace(t.record.VarsQuery) == "" {
		return
	}
	for _, q := range strings.Split(t.record.VarsQuery, ",") {
		q = strings.TrimSpace(q)
		scope, name, ok := strings.Cut(q, ".")
		if !ok || name == "" {
			slog.Warn("Ignoring malformed variable lookup", "lookup", q, "scriptID", t.record.ID)
			continue
		}
		switch scope {
		case "community":
			switch name {
			case "name":
				t.vars[q] = t.community.Name
			case "bot_phone":
				t.vars[q] = t.community.BotPhone
			case "id":
				t.vars[q] = t.community.ID
			}
		case "participant":
			if ds, ok := t.session.(*models.DirectSession); ok {
				t.vars[q] = ds.Variables[name]
			} else if t.sender != nil {
				t.vars[q] = t.sender.Variables[name]
			}
		case "group":
			if g, ok := t.session.(*models.GroupSession); ok {
				t.vars[q] = g.Variables[name]
			}
		default:
			slog.Warn("Ignoring variable lookup with unknown scope", "lookup", q, "scriptID", t.record.ID)
		}
	}
}
