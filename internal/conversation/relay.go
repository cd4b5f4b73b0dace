package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RelayPipe/internal/models"
)

const (
	leaveHashtag  = "#leave"
	relayReaction = "✅"
)

// unscripted records a message from a participant whose script is done and
// forwards it to the community admins.
func (d *Dispatcher) unscripted(ctx context.Context, t *turn) error {
	m := &models.Message{
		CommunityID: t.community.ID,
		SessionID:   t.session.SessionID(),
		Text:        t.msg.Text,
		Timestamp:   t.msg.Timestamp,
		Phone:       t.msg.From,
		Direction:   models.DirectionInbound,
	}
	if err := d.store.RecordMessage(ctx, m); err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}
	return d.notifyAdmins(ctx, t, t.community.ID, fmt.Sprintf("Message from %s: %s", t.senderName(), t.msg.Text))
}

// groupCommand handles a message in a group whose setup script is done: #leave
// makes the bot leave, and another group's hashtag relays the message there.
func (d *Dispatcher) groupCommand(ctx context.Context, t *turn) error {
	g := t.session.(*models.GroupSession)
	tags := hashtags(t.msg.Text)
	for _, tag := range tags {
		if tag == leaveHashtag {
			if err := d.transport.LeaveGroup(ctx, t.botPhone(), g.GroupID); err != nil {
				return fmt.Errorf("failed to leave group %s: %w", g.GroupID, err)
			}
			slog.Info("Left group on request", "groupID", g.GroupID, "from", t.msg.From)
			return nil
		}
	}

	var targets []models.GroupHashtag
	seen := make(map[string]bool)
	for _, tag := range tags {
		for _, peer := range g.Peers {
			if peer.GroupID == g.GroupID || seen[peer.GroupID] || !strings.EqualFold(peer.Hashtag, tag) {
				continue
			}
			seen[peer.GroupID] = true
			targets = append(targets, peer)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	if !t.groupPermitted(models.PermissionRelay) {
		slog.Debug("Relay denied", "groupID", g.GroupID, "from", t.msg.From)
		return nil
	}

	text := fmt.Sprintf("Message relayed from %s in %s: %s", t.senderName(), g.Hashtag, t.msg.Text)
	for _, peer := range targets {
		dest, err := d.store.GetGroupSession(ctx, t.community.ID, peer.GroupID)
		if err != nil {
			return err
		}
		if dest == nil {
			continue
		}
		id, err := d.transport.Send(ctx, t.botPhone(), []string{dest.GroupID}, text)
		if err != nil {
			return fmt.Errorf("failed to relay to %s: %w", peer.Hashtag, err)
		}
		if err := d.recordOutbound(ctx, t.community.ID, g.ID, dest, id, text); err != nil {
			return err
		}
		slog.Info("Message relayed", "from", g.Hashtag, "to", peer.Hashtag)
	}
	if err := d.transport.React(ctx, t.botPhone(), g.GroupID, t.msg.From, t.msg.Timestamp, relayReaction); err != nil {
		slog.Warn("Relay acknowledgment failed", "error", err, "groupID", g.GroupID)
	}
	return nil
}

// forwardReply sends a reply to the addressee of the quoted message when the
// replier holds the reply permission. It reports false when the quoted message
// is unknown, the replier is not permitted, or the addressee is the thread the
// reply came from.
func (d *Dispatcher) forwardReply(ctx context.Context, c *models.Community, msg models.InboundMessage) (bool, error) {
	orig, err := d.store.GetMessageByTimestamp(ctx, c.ID, msg.QuotedTimestamp)
	if err != nil {
		return false, err
	}
	if orig == nil {
		slog.Debug("Quoted message not found", "communityID", c.ID, "quoted", msg.QuotedTimestamp)
		return false, nil
	}

	replier, err := d.store.GetDirectSession(ctx, c.ID, msg.From)
	if err != nil {
		return false, err
	}
	permitted := replier != nil && models.HasPermission(replier.Permissions, models.PermissionReply)
	if !permitted && msg.GroupID != "" {
		if g, err := d.store.GetGroupSession(ctx, c.ID, msg.GroupID); err != nil {
			return false, err
		} else if g != nil {
			member, err := d.store.GetGroupMember(ctx, g.ID, msg.From)
			if err != nil {
				return false, err
			}
			permitted = member != nil && models.HasPermission(member.Permissions, models.PermissionReply)
		}
	}
	if !permitted {
		return false, nil
	}

	addresseeID := orig.SessionID
	if addresseeID == "" {
		addresseeID = orig.TargetSessionID
	}
	addressee, err := d.sessionByID(ctx, addresseeID)
	if err != nil {
		return false, err
	}
	// A reply to a message belonging to the thread it was sent in is an
	// answer to that thread's script, not something to forward.
	origin := msg.From
	if msg.GroupID != "" {
		origin = msg.GroupID
	}
	if addressee == nil || addressee.Address() == origin {
		return false, nil
	}

	name := msg.FromName
	if replier != nil {
		name = replier.DisplayName()
	}
	if name == "" {
		name = msg.From
	}
	text := name + ": " + msg.Text
	id, err := d.transport.Send(ctx, c.BotPhone, []string{addressee.Address()}, text)
	if err != nil {
		return true, fmt.Errorf("failed to forward reply to %s: %w", addressee.SessionID(), err)
	}
	from := ""
	if replier != nil {
		from = replier.ID
	}
	if err := d.recordOutbound(ctx, c.ID, from, addressee, id, text); err != nil {
		return true, err
	}
	slog.Info("Reply forwarded", "communityID", c.ID, "to", addressee.SessionID())
	return true, nil
}

func (d *Dispatcher) sessionByID(ctx context.Context, id string) (models.ConversationSession, error) {
	if id == "" {
		return nil, nil
	}
	ds, err := d.store.GetDirectSessionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ds != nil {
		return ds, nil
	}
	g, err := d.store.GetGroupSessionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g != nil {
		return g, nil
	}
	return nil, nil
}
