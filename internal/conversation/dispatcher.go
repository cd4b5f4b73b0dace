// Package conversation runs the scripted conversations of RelayPipe.
//
// The Dispatcher receives decoded transport events, resolves the conversation
// session they belong to, runs the session's script through the interpreter and
// applies the resulting effects against the store and the transport. Events for
// the same session are serialized with a lock.Locker; distinct sessions run
// concurrently and share only the read-only script cache.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/lock"
	"github.com/BTreeMap/RelayPipe/internal/messaging"
	"github.com/BTreeMap/RelayPipe/internal/metrics"
	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/script"
	"github.com/BTreeMap/RelayPipe/internal/store"
)

// ErrUnknownCommunity is returned for events addressed to a bot phone with no community.
var ErrUnknownCommunity = errors.New("no community for bot phone")

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	Locker        lock.Locker
	Metrics       *metrics.Metrics
	AttachmentDir string
	Commands      []Command
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithLocker sets the per-session locker. The default is an in-process lock.Local.
func WithLocker(l lock.Locker) Option {
	return func(o *Opts) {
		o.Locker = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// WithAttachmentDir sets the directory relative attachment paths are resolved against.
func WithAttachmentDir(dir string) Option {
	return func(o *Opts) {
		o.AttachmentDir = dir
	}
}

// WithCommands replaces the hashtag command table.
func WithCommands(cmds []Command) Option {
	return func(o *Opts) {
		o.Commands = cmds
	}
}

// Dispatcher is the entry point for inbound events.
type Dispatcher struct {
	store         store.Store
	transport     messaging.Transport
	locker        lock.Locker
	metrics       *metrics.Metrics
	scripts       *scriptCache
	router        *router
	attachmentDir string
}

// NewDispatcher creates a Dispatcher reading and writing through st and sending through tr.
func NewDispatcher(st store.Store, tr messaging.Transport, opts ...Option) *Dispatcher {
	cfg := Opts{Commands: DefaultCommands}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocal()
	}
	d := &Dispatcher{
		store:         st,
		transport:     tr,
		locker:        cfg.Locker,
		metrics:       cfg.Metrics,
		scripts:       newScriptCache(st),
		attachmentDir: cfg.AttachmentDir,
	}
	d.router = newRouter(d, cfg.Commands)
	return d
}

// InvalidateScript drops a cached Script Definition so the next turn reloads it.
func (d *Dispatcher) InvalidateScript(id string) {
	d.scripts.invalidate(id)
}

// Dispatch handles one inbound event to completion while holding the lock of
// the session it belongs to.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.InboundEvent) error {
	kind := ev.Kind()
	if kind == "" {
		return models.ErrUnknownEventKind
	}
	start := time.Now()
	key := ev.SessionKey()
	slog.Debug("Dispatcher.Dispatch: acquiring session lock", "kind", kind, "key", key)
	unlock, err := d.locker.Lock(ctx, key)
	if err != nil {
		slog.Error("Dispatcher.Dispatch: failed to acquire session lock", "error", err, "key", key)
		d.metrics.ObserveTurn(string(kind), metrics.ResultError, time.Since(start))
		return fmt.Errorf("failed to lock session %s: %w", key, err)
	}
	defer unlock()

	switch kind {
	case models.EventDirect:
		err = d.HandleDirectMessage(ctx, *ev.Message)
	case models.EventGroup:
		err = d.HandleGroupMessage(ctx, *ev.Message)
	case models.EventReply:
		err = d.HandleReply(ctx, *ev.Message)
	case models.EventMembership:
		err = d.HandleGroupMembershipChange(ctx, *ev.Membership)
	}

	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		slog.Error("Dispatcher.Dispatch: turn failed", "error", err, "kind", kind, "key", key)
	}
	d.metrics.ObserveTurn(string(kind), result, time.Since(start))
	return err
}

// HandleDirectMessage runs one turn of a participant's direct conversation.
func (d *Dispatcher) HandleDirectMessage(ctx context.Context, msg models.InboundMessage) error {
	slog.Debug("Dispatcher.HandleDirectMessage", "botPhone", msg.BotPhone, "from", msg.From)
	if msg.From == "" {
		return models.ErrEmptySender
	}
	community, err := d.community(ctx, msg.BotPhone)
	if err != nil {
		return err
	}
	sess, created, err := d.directSession(ctx, community, msg.From)
	if err != nil {
		return err
	}
	t, err := d.newTurn(ctx, community, sess, &msg)
	if err != nil {
		return err
	}
	t.sender = sess

	if created {
		slog.Info("New participant, starting onboarding", "communityID", community.ID, "sessionID", sess.ID)
		return d.enter(ctx, t, models.StepStart)
	}
	handled, err := d.router.route(ctx, t)
	if err != nil || handled {
		return err
	}
	if sess.Step == models.StepDone {
		return d.unscripted(ctx, t)
	}
	return d.receive(ctx, t)
}

// HandleGroupMessage runs one turn of a group thread's conversation. A message
// without text is the transport telling us the bot was added to the group.
func (d *Dispatcher) HandleGroupMessage(ctx context.Context, msg models.InboundMessage) error {
	slog.Debug("Dispatcher.HandleGroupMessage", "botPhone", msg.BotPhone, "groupID", msg.GroupID, "from", msg.From)
	if msg.GroupID == "" {
		return models.ErrEmptyGroupID
	}
	community, err := d.community(ctx, msg.BotPhone)
	if err != nil {
		return err
	}
	g, created, err := d.groupSession(ctx, community, msg.GroupID)
	if err != nil {
		return err
	}
	t, err := d.newTurn(ctx, community, g, &msg)
	if err != nil {
		return err
	}
	if err := d.loadSender(ctx, t); err != nil {
		return err
	}

	if strings.TrimSpace(msg.Text) == "" || created {
		if g.Step != models.StepStart {
			return nil
		}
		slog.Info("Starting group welcome", "communityID", community.ID, "groupID", g.GroupID)
		return d.enter(ctx, t, models.StepStart)
	}
	handled, err := d.router.route(ctx, t)
	if err != nil || handled {
		return err
	}
	if g.Step == models.StepDone {
		return d.groupCommand(ctx, t)
	}
	return d.receive(ctx, t)
}

// HandleReply forwards a privileged participant's reply to the addressee of
// the quoted message. Replies that cannot be forwarded are handled as ordinary
// messages.
func (d *Dispatcher) HandleReply(ctx context.Context, msg models.InboundMessage) error {
	slog.Debug("Dispatcher.HandleReply", "botPhone", msg.BotPhone, "from", msg.From, "quoted", msg.QuotedTimestamp)
	community, err := d.community(ctx, msg.BotPhone)
	if err != nil {
		return err
	}
	forwarded, err := d.forwardReply(ctx, community, msg)
	if err != nil || forwarded {
		return err
	}
	msg.QuotedTimestamp = ""
	if msg.GroupID != "" {
		return d.HandleGroupMessage(ctx, msg)
	}
	return d.HandleDirectMessage(ctx, msg)
}

// HandleGroupMembershipChange keeps the group roster in step with the transport.
// It never runs a script.
func (d *Dispatcher) HandleGroupMembershipChange(ctx context.Context, mc models.MembershipChange) error {
	slog.Debug("Dispatcher.HandleGroupMembershipChange", "groupID", mc.GroupID, "joined", len(mc.Joined), "left", len(mc.Left))
	if mc.GroupID == "" {
		return models.ErrEmptyGroupID
	}
	community, err := d.community(ctx, mc.BotPhone)
	if err != nil {
		return err
	}
	g, _, err := d.groupSession(ctx, community, mc.GroupID)
	if err != nil {
		return err
	}
	for _, phone := range mc.Joined {
		if phone == "" || phone == mc.BotPhone {
			continue
		}
		if err := d.store.AddGroupMember(ctx, models.GroupMember{GroupSessionID: g.ID, Phone: phone}); err != nil {
			return fmt.Errorf("failed to add member to group %s: %w", g.GroupID, err)
		}
	}
	for _, phone := range mc.Left {
		if phone == "" || phone == mc.BotPhone {
			continue
		}
		if err := d.store.RemoveGroupMember(ctx, g.ID, phone); err != nil {
			return fmt.Errorf("failed to remove member from group %s: %w", g.GroupID, err)
		}
	}
	slog.Info("Group roster updated", "groupID", g.GroupID, "joined", len(mc.Joined), "left", len(mc.Left))
	return nil
}

// enter sends the messages of step to the turn's session.
func (d *Dispatcher) enter(ctx context.Context, t *turn, step string) error {
	effects, err := t.interp.Send(step, t.vars)
	if err != nil {
		slog.Error("Script send failed", "error", err, "sessionID", t.session.SessionID(), "step", step)
		return err
	}
	return d.apply(ctx, t, effects)
}

// receive evaluates the current step's rules against the inbound message, then
// enters the resulting step unless the rules already did or the conversation is done.
// Effects produced before a failing action are applied before the error is returned.
func (d *Dispatcher) receive(ctx context.Context, t *turn) error {
	step := t.session.CurrentStep()
	out, err := t.interp.Receive(step, t.vars)
	if applyErr := d.apply(ctx, t, out.Effects); applyErr != nil {
		return applyErr
	}
	if err != nil {
		var missing *script.MissingContextError
		if errors.As(err, &missing) {
			slog.Error("Script action missing context", "error", err, "sessionID", t.session.SessionID(), "step", step)
		}
		return err
	}
	if !out.Advanced {
		slog.Debug("Rule tree exhausted without a step change", "sessionID", t.session.SessionID(), "step", step)
	}
	if out.Entered || out.Step == models.StepDone {
		return nil
	}
	return d.enter(ctx, t, out.Step)
}

func (d *Dispatcher) community(ctx context.Context, botPhone string) (*models.Community, error) {
	if botPhone == "" {
		return nil, models.ErrEmptyBotPhone
	}
	c, err := d.store.GetCommunityByBotPhone(ctx, botPhone)
	if err != nil {
		return nil, err
	}
	if c == nil {
		slog.Warn("Event for unknown bot phone", "botPhone", botPhone)
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommunity, botPhone)
	}
	return c, nil
}
