// Package store provides storage backends for RelayPipe.
//
// It defines the Store interface the conversation engine reads sessions, scripts
// and messages through, plus in-memory, SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/models"
)

// ErrNotFound is returned by lookups of records that must exist, such as scripts.
var ErrNotFound = errors.New("record not found")

// Store is the persistence collaborator of the conversation engine.
//
// Lookups used for resolve-or-create return (nil, nil) when nothing matches.
type Store interface {
	SaveCommunity(ctx context.Context, c *models.Community) error
	GetCommunityByBotPhone(ctx context.Context, botPhone string) (*models.Community, error)

	GetDirectSession(ctx context.Context, communityID, phone string) (*models.DirectSession, error)
	GetDirectSessionByID(ctx context.Context, id string) (*models.DirectSession, error)
	// CreateDirectSession inserts s, assigning an id when s.ID is empty.
	CreateDirectSession(ctx context.Context, s *models.DirectSession) error
	SetPermissions(ctx context.Context, sessionID string, perms []string) error
	ListParticipants(ctx context.Context, communityID string) ([]*models.DirectSession, error)

	GetGroupSession(ctx context.Context, communityID, groupID string) (*models.GroupSession, error)
	GetGroupSessionByID(ctx context.Context, id string) (*models.GroupSession, error)
	// CreateGroupSession inserts s, assigning an id when s.ID is empty.
	CreateGroupSession(ctx context.Context, s *models.GroupSession) error
	ListGroupHashtags(ctx context.Context, communityID string) ([]models.GroupHashtag, error)

	// UpdateSession stores the active script and step of a session.
	UpdateSession(ctx context.Context, kind models.SessionKind, id, scriptID, step string) error
	// SetVariable stores name=value on a session. Setting "hashtag" on a group
	// session also changes the group's relay hashtag.
	SetVariable(ctx context.Context, target models.VarTarget, name, value string) error

	AddGroupMember(ctx context.Context, m models.GroupMember) error
	RemoveGroupMember(ctx context.Context, groupSessionID, phone string) error
	GetGroupMember(ctx context.Context, groupSessionID, phone string) (*models.GroupMember, error)

	SaveScript(ctx context.Context, s *models.ScriptRecord) error
	// GetScript returns ErrNotFound when no script has the id.
	GetScript(ctx context.Context, id string) (*models.ScriptRecord, error)
	// GetScriptByName looks up a community script, or a system script when
	// communityID is empty. It returns ErrNotFound when none matches.
	GetScriptByName(ctx context.Context, name, communityID string) (*models.ScriptRecord, error)

	// RecordMessage inserts m, assigning an id and creation time when unset.
	RecordMessage(ctx context.Context, m *models.Message) error
	SetMessageType(ctx context.Context, communityID, timestamp, messageType string) error
	GetMessageByTimestamp(ctx context.Context, communityID, timestamp string) (*models.Message, error)
	// PruneMessages deletes messages recorded before the cutoff and returns how many were removed.
	PruneMessages(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// key=value DSNs such as "host=localhost user=postgres"
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "user=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend matching the DSN, or an in-memory store when dsn is empty.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

func joinPermissions(perms []string) string {
	return strings.Join(perms, ",")
}

func splitPermissions(s string) []string {
	if s == "" {
		return nil
	}
	var perms []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}
	return perms
}
