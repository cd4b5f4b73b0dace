package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RelayPipe/internal/metrics"
	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/store"
)

// Command is a hashtag that restarts the session on a system script.
type Command struct {
	// Hashtag is matched case-insensitively against whole tokens, e.g. "#event".
	Hashtag string
	// Script is the name of the system script the command starts.
	Script string
	// Permission is the tag the caller must hold.
	Permission string
	// Scope is the session kind the command is recognized in.
	Scope models.SessionKind
}

// DefaultCommands is the built-in command table.
var DefaultCommands = []Command{
	{Hashtag: "#announcement", Script: "announcement", Permission: models.PermissionAnnounce, Scope: models.SessionDirect},
	{Hashtag: "#event", Script: "start_event", Permission: models.PermissionEvent, Scope: models.SessionDirect},
	{Hashtag: "#rename", Script: "rename_group", Permission: models.PermissionRenameGroup, Scope: models.SessionGroup},
}

type router struct {
	d        *Dispatcher
	commands map[string]Command
}

func newRouter(d *Dispatcher, cmds []Command) *router {
	r := &router{d: d, commands: make(map[string]Command, len(cmds))}
	for _, c := range cmds {
		r.commands[strings.ToLower(c.Hashtag)] = c
	}
	return r
}

// route runs the first recognized command in the message. It reports false,
// without touching the session, when no command matches or the caller lacks
// the command's permission.
func (r *router) route(ctx context.Context, t *turn) (bool, error) {
	if t.msg == nil {
		return false, nil
	}
	for _, tag := range hashtags(t.msg.Text) {
		cmd, ok := r.commands[tag]
		if !ok || cmd.Scope != t.session.Kind() {
			continue
		}
		if !r.permitted(t, cmd) {
			slog.Debug("Hashtag command denied", "command", cmd.Hashtag, "sessionID", t.session.SessionID())
			r.d.metrics.Command(cmd.Script, metrics.ResultDenied)
			return false, nil
		}
		record, interp, err := r.d.scripts.loadByName(ctx, cmd.Script)
		if err != nil {
			r.d.metrics.Command(cmd.Script, metrics.ResultError)
			if errors.Is(err, store.ErrNotFound) {
				return false, fmt.Errorf("system script %q for %s is not installed: %w", cmd.Script, cmd.Hashtag, err)
			}
			return false, err
		}
		if err := r.d.restart(ctx, t, record, interp); err != nil {
			r.d.metrics.Command(cmd.Script, metrics.ResultError)
			return false, err
		}
		slog.Info("Hashtag command started script", "command", cmd.Hashtag, "script", cmd.Script, "sessionID", t.session.SessionID())
		if err := r.d.enter(ctx, t, models.StepStart); err != nil {
			r.d.metrics.Command(cmd.Script, metrics.ResultError)
			return true, err
		}
		r.d.metrics.Command(cmd.Script, metrics.ResultOK)
		return true, nil
	}
	return false, nil
}

func (r *router) permitted(t *turn, cmd Command) bool {
	if cmd.Scope == models.SessionGroup {
		return t.groupPermitted(cmd.Permission)
	}
	return t.communityPermitted(cmd.Permission)
}

// hashtags returns the lower-cased hashtag tokens of text in order, with
// trailing punctuation removed.
func hashtags(text string) []string {
	var tags []string
	for _, f := range strings.Fields(text) {
		if !strings.HasPrefix(f, "#") {
			continue
		}
		f = strings.TrimRight(f, ".,;:!?)\"'")
		if len(f) > 1 {
			tags = append(tags, strings.ToLower(f))
		}
	}
	return tags
}
