package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/google/uuid"
)

// sqlStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound for drivers that use positional "$n" parameters.
type sqlStore struct {
	db      *sql.DB
	name    string // log prefix, e.g. "SQLiteStore"
	dollars bool
}

// openSQL opens and pings a database, tunes its pool and applies the schema.
func openSQL(driver, dsn, migrations, name string, tune func(*sql.DB)) (*sqlStore, error) {
	slog.Debug(name+" opening database connection", "driver", driver)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(name+" failed to open connection", "error", err)
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	tune(db)

	if err := db.Ping(); err != nil {
		slog.Error(name+" ping failed", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		slog.Error(name+" failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(name + " migrations applied successfully")
	return &sqlStore{db: db, name: name}, nil
}

func (s *sqlStore) rebind(query string) string {
	if !s.dollars {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) SaveCommunity(ctx context.Context, c *models.Community) error {
	if c.BotPhone == "" {
		return models.ErrEmptyBotPhone
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `INSERT INTO communities (id, name, bot_phone, onboarding_script_id, group_script_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bot_phone) DO UPDATE SET name = excluded.name,
			onboarding_script_id = excluded.onboarding_script_id,
			group_script_id = excluded.group_script_id`,
		c.ID, c.Name, c.BotPhone, c.OnboardingScriptID, c.GroupScriptID)
	if err != nil {
		slog.Error(s.name+" SaveCommunity failed", "error", err, "botPhone", c.BotPhone)
		return fmt.Errorf("failed to save community %s: %w", c.BotPhone, err)
	}
	slog.Debug(s.name+" SaveCommunity succeeded", "communityID", c.ID, "botPhone", c.BotPhone)
	return nil
}

func (s *sqlStore) GetCommunityByBotPhone(ctx context.Context, botPhone string) (*models.Community, error) {
	var c models.Community
	err := s.queryRow(ctx, `SELECT id, name, bot_phone, onboarding_script_id, group_script_id
		FROM communities WHERE bot_phone = ?`, botPhone).
		Scan(&c.ID, &c.Name, &c.BotPhone, &c.OnboardingScriptID, &c.GroupScriptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetCommunityByBotPhone failed", "error", err, "botPhone", botPhone)
		return nil, fmt.Errorf("failed to get community for %s: %w", botPhone, err)
	}
	return &c, nil
}

const directColumns = `id, community_id, phone, current_script_id, step, permissions`

func (s *sqlStore) scanDirect(ctx context.Context, row *sql.Row) (*models.DirectSession, error) {
	var d models.DirectSession
	var perms string
	if err := row.Scan(&d.ID, &d.CommunityID, &d.Phone, &d.CurrentScriptID, &d.Step, &perms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d.Permissions = splitPermissions(perms)
	vars, err := s.loadVariables(ctx, models.SessionDirect, d.ID)
	if err != nil {
		return nil, err
	}
	d.Variables = vars
	return &d, nil
}

func (s *sqlStore) GetDirectSession(ctx context.Context, communityID, phone string) (*models.DirectSession, error) {
	d, err := s.scanDirect(ctx, s.queryRow(ctx, `SELECT `+directColumns+`
		FROM direct_sessions WHERE community_id = ? AND phone = ?`, communityID, phone))
	if err != nil {
		slog.Error(s.name+" GetDirectSession failed", "error", err, "communityID", communityID)
		return nil, fmt.Errorf("failed to get direct session: %w", err)
	}
	return d, nil
}

func (s *sqlStore) GetDirectSessionByID(ctx context.Context, id string) (*models.DirectSession, error) {
	d, err := s.scanDirect(ctx, s.queryRow(ctx, `SELECT `+directColumns+`
		FROM direct_sessions WHERE id = ?`, id))
	if err != nil {
		slog.Error(s.name+" GetDirectSessionByID failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get direct session %s: %w", id, err)
	}
	return d, nil
}

func (s *sqlStore) CreateDirectSession(ctx context.Context, d *models.DirectSession) error {
	if d.Phone == "" {
		return models.ErrEmptySender
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO direct_sessions (`+directColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`),
		d.ID, d.CommunityID, d.Phone, d.CurrentScriptID, d.Step, joinPermissions(d.Permissions)); err != nil {
		slog.Error(s.name+" CreateDirectSession failed", "error", err, "communityID", d.CommunityID)
		return fmt.Errorf("failed to create direct session: %w", err)
	}
	if err := s.insertVariables(ctx, tx, models.SessionDirect, d.ID, d.Variables); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit direct session: %w", err)
	}
	slog.Debug(s.name+" CreateDirectSession succeeded", "sessionID", d.ID, "communityID", d.CommunityID)
	return nil
}

func (s *sqlStore) SetPermissions(ctx context.Context, sessionID string, perms []string) error {
	res, err := s.exec(ctx, `UPDATE direct_sessions SET permissions = ? WHERE id = ?`, joinPermissions(perms), sessionID)
	if err != nil {
		slog.Error(s.name+" SetPermissions failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to set permissions on %s: %w", sessionID, err)
	}
	return requireRow(res, "direct session "+sessionID)
}

func (s *sqlStore) ListParticipants(ctx context.Context, communityID string) ([]*models.DirectSession, error) {
	rows, err := s.query(ctx, `SELECT `+directColumns+`
		FROM direct_sessions WHERE community_id = ? ORDER BY phone`, communityID)
	if err != nil {
		slog.Error(s.name+" ListParticipants query failed", "error", err, "communityID", communityID)
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var out []*models.DirectSession
	for rows.Next() {
		var d models.DirectSession
		var perms string
		if err := rows.Scan(&d.ID, &d.CommunityID, &d.Phone, &d.CurrentScriptID, &d.Step, &perms); err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		d.Permissions = splitPermissions(perms)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participant rows: %w", err)
	}
	rows.Close()

	for _, d := range out {
		if d.Variables, err = s.loadVariables(ctx, models.SessionDirect, d.ID); err != nil {
			return nil, err
		}
	}
	slog.Debug(s.name+" ListParticipants succeeded", "communityID", communityID, "count", len(out))
	return out, nil
}

const groupColumns = `id, community_id, group_id, hashtag, current_script_id, step`

func (s *sqlStore) scanGroup(ctx context.Context, row *sql.Row) (*models.GroupSession, error) {
	var g models.GroupSession
	if err := row.Scan(&g.ID, &g.CommunityID, &g.GroupID, &g.Hashtag, &g.CurrentScriptID, &g.Step); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	vars, err := s.loadVariables(ctx, models.SessionGroup, g.ID)
	if err != nil {
		return nil, err
	}
	g.Variables = vars
	return &g, nil
}

func (s *sqlStore) GetGroupSession(ctx context.Context, communityID, groupID string) (*models.GroupSession, error) {
	g, err := s.scanGroup(ctx, s.queryRow(ctx, `SELECT `+groupColumns+`
		FROM group_sessions WHERE community_id = ? AND group_id = ?`, communityID, groupID))
	if err != nil {
		slog.Error(s.name+" GetGroupSession failed", "error", err, "communityID", communityID, "groupID", groupID)
		return nil, fmt.Errorf("failed to get group session: %w", err)
	}
	return g, nil
}

func (s *sqlStore) GetGroupSessionByID(ctx context.Context, id string) (*models.GroupSession, error) {
	g, err := s.scanGroup(ctx, s.queryRow(ctx, `SELECT `+groupColumns+`
		FROM group_sessions WHERE id = ?`, id))
	if err != nil {
		slog.Error(s.name+" GetGroupSessionByID failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get group session %s: %w", id, err)
	}
	return g, nil
}

func (s *sqlStore) CreateGroupSession(ctx context.Context, g *models.GroupSession) error {
	if g.GroupID == "" {
		return models.ErrEmptyGroupID
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO group_sessions (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`),
		g.ID, g.CommunityID, g.GroupID, g.Hashtag, g.CurrentScriptID, g.Step); err != nil {
		slog.Error(s.name+" CreateGroupSession failed", "error", err, "groupID", g.GroupID)
		return fmt.Errorf("failed to create group session: %w", err)
	}
	if err := s.insertVariables(ctx, tx, models.SessionGroup, g.ID, g.Variables); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit group session: %w", err)
	}
	slog.Debug(s.name+" CreateGroupSession succeeded", "sessionID", g.ID, "communityID", g.CommunityID)
	return nil
}

func (s *sqlStore) ListGroupHashtags(ctx context.Context, communityID string) ([]models.GroupHashtag, error) {
	rows, err := s.query(ctx, `SELECT group_id, hashtag FROM group_sessions
		WHERE community_id = ? AND hashtag <> '' ORDER BY hashtag`, communityID)
	if err != nil {
		slog.Error(s.name+" ListGroupHashtags query failed", "error", err, "communityID", communityID)
		return nil, fmt.Errorf("failed to query group hashtags: %w", err)
	}
	defer rows.Close()

	var out []models.GroupHashtag
	for rows.Next() {
		var h models.GroupHashtag
		if err := rows.Scan(&h.GroupID, &h.Hashtag); err != nil {
			return nil, fmt.Errorf("failed to scan group hashtag row: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func sessionTable(kind models.SessionKind) (string, error) {
	switch kind {
	case models.SessionDirect:
		return "direct_sessions", nil
	case models.SessionGroup:
		return "group_sessions", nil
	default:
		return "", fmt.Errorf("unknown session kind %q", kind)
	}
}

func (s *sqlStore) UpdateSession(ctx context.Context, kind models.SessionKind, id, scriptID, step string) error {
	table, err := sessionTable(kind)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE `+table+` SET current_script_id = ?, step = ? WHERE id = ?`, scriptID, step, id)
	if err != nil {
		slog.Error(s.name+" UpdateSession failed", "error", err, "kind", kind, "sessionID", id)
		return fmt.Errorf("failed to update %s session %s: %w", kind, id, err)
	}
	slog.Debug(s.name+" UpdateSession succeeded", "kind", kind, "sessionID", id, "step", step)
	return requireRow(res, string(kind)+" session "+id)
}

const upsertVariable = `INSERT INTO session_variables (owner_kind, owner_id, name, value)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (owner_kind, owner_id, name) DO UPDATE SET value = excluded.value`

func (s *sqlStore) SetVariable(ctx context.Context, target models.VarTarget, name, value string) error {
	table, err := sessionTable(target.Kind)
	if err != nil {
		return err
	}
	var exists int
	err = s.queryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, target.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s session %s: %w", target.Kind, target.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up %s session %s: %w", target.Kind, target.ID, err)
	}

	if _, err := s.exec(ctx, upsertVariable, string(target.Kind), target.ID, name, value); err != nil {
		slog.Error(s.name+" SetVariable failed", "error", err, "kind", target.Kind, "sessionID", target.ID, "name", name)
		return fmt.Errorf("failed to set variable %s: %w", name, err)
	}
	if target.Kind == models.SessionGroup && name == "hashtag" {
		if _, err := s.exec(ctx, `UPDATE group_sessions SET hashtag = ? WHERE id = ?`, value, target.ID); err != nil {
			return fmt.Errorf("failed to update group hashtag: %w", err)
		}
	}
	slog.Debug(s.name+" SetVariable succeeded", "kind", target.Kind, "sessionID", target.ID, "name", name)
	return nil
}

func (s *sqlStore) insertVariables(ctx context.Context, tx *sql.Tx, kind models.SessionKind, id string, vars map[string]string) error {
	for name, value := range vars {
		if _, err := tx.ExecContext(ctx, s.rebind(upsertVariable), string(kind), id, name, value); err != nil {
			return fmt.Errorf("failed to store variable %s: %w", name, err)
		}
	}
	return nil
}

func (s *sqlStore) loadVariables(ctx context.Context, kind models.SessionKind, id string) (map[string]string, error) {
	rows, err := s.query(ctx, `SELECT name, value FROM session_variables WHERE owner_kind = ? AND owner_id = ?`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query variables: %w", err)
	}
	defer rows.Close()
	vars := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan variable row: %w", err)
		}
		vars[name] = value
	}
	return vars, rows.Err()
}

func (s *sqlStore) AddGroupMember(ctx context.Context, m models.GroupMember) error {
	var err error
	if len(m.Permissions) == 0 {
		_, err = s.exec(ctx, `INSERT INTO group_members (group_session_id, phone, permissions) VALUES (?, ?, '')
			ON CONFLICT (group_session_id, phone) DO NOTHING`, m.GroupSessionID, m.Phone)
	} else {
		_, err = s.exec(ctx, `INSERT INTO group_members (group_session_id, phone, permissions) VALUES (?, ?, ?)
			ON CONFLICT (group_session_id, phone) DO UPDATE SET permissions = excluded.permissions`,
			m.GroupSessionID, m.Phone, joinPermissions(m.Permissions))
	}
	if err != nil {
		slog.Error(s.name+" AddGroupMember failed", "error", err, "groupSessionID", m.GroupSessionID)
		return fmt.Errorf("failed to add group member: %w", err)
	}
	return nil
}

func (s *sqlStore) RemoveGroupMember(ctx context.Context, groupSessionID, phone string) error {
	if _, err := s.exec(ctx, `DELETE FROM group_members WHERE group_session_id = ? AND phone = ?`, groupSessionID, phone); err != nil {
		slog.Error(s.name+" RemoveGroupMember failed", "error", err, "groupSessionID", groupSessionID)
		return fmt.Errorf("failed to remove group member: %w", err)
	}
	return nil
}

func (s *sqlStore) GetGroupMember(ctx context.Context, groupSessionID, phone string) (*models.GroupMember, error) {
	m := models.GroupMember{GroupSessionID: groupSessionID, Phone: phone}
	var perms string
	err := s.queryRow(ctx, `SELECT permissions FROM group_members WHERE group_session_id = ? AND phone = ?`,
		groupSessionID, phone).Scan(&perms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group member: %w", err)
	}
	m.Permissions = splitPermissions(perms)
	return &m, nil
}

func (s *sqlStore) SaveScript(ctx context.Context, sc *models.ScriptRecord) error {
	if sc.Name == "" {
		return models.ErrEmptyScriptName
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	_, err := s.exec(ctx, `INSERT INTO scripts (id, name, community_id, source, vars_query, targets_query)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, community_id = excluded.community_id,
			source = excluded.source, vars_query = excluded.vars_query, targets_query = excluded.targets_query`,
		sc.ID, sc.Name, sc.CommunityID, sc.Source, sc.VarsQuery, sc.TargetsQuery)
	if err != nil {
		slog.Error(s.name+" SaveScript failed", "error", err, "name", sc.Name)
		return fmt.Errorf("failed to save script %s: %w", sc.Name, err)
	}
	slog.Debug(s.name+" SaveScript succeeded", "scriptID", sc.ID, "name", sc.Name)
	return nil
}

const scriptColumns = `id, name, community_id, source, vars_query, targets_query`

func scanScript(row *sql.Row) (*models.ScriptRecord, error) {
	var sc models.ScriptRecord
	if err := row.Scan(&sc.ID, &sc.Name, &sc.CommunityID, &sc.Source, &sc.VarsQuery, &sc.TargetsQuery); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *sqlStore) GetScript(ctx context.Context, id string) (*models.ScriptRecord, error) {
	sc, err := scanScript(s.queryRow(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	if err != nil {
		slog.Error(s.name+" GetScript failed", "error", err, "scriptID", id)
		return nil, fmt.Errorf("failed to get script %s: %w", id, err)
	}
	return sc, nil
}

func (s *sqlStore) GetScriptByName(ctx context.Context, name, communityID string) (*models.ScriptRecord, error) {
	sc, err := scanScript(s.queryRow(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE name = ? AND community_id = ?`,
		name, communityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("script %q: %w", name, ErrNotFound)
	}
	if err != nil {
		slog.Error(s.name+" GetScriptByName failed", "error", err, "name", name)
		return nil, fmt.Errorf("failed to get script %q: %w", name, err)
	}
	return sc, nil
}

func (s *sqlStore) RecordMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO messages
		(id, community_id, session_id, text, transport_id, direction, target_session_id, phone, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CommunityID, m.SessionID, m.Text, m.Timestamp, string(m.Direction),
		m.TargetSessionID, m.Phone, m.Type, m.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+" RecordMessage failed", "error", err, "communityID", m.CommunityID)
		return fmt.Errorf("failed to record message: %w", err)
	}
	slog.Debug(s.name+" RecordMessage succeeded", "messageID", m.ID, "direction", m.Direction)
	return nil
}

func (s *sqlStore) SetMessageType(ctx context.Context, communityID, timestamp, messageType string) error {
	res, err := s.exec(ctx, `UPDATE messages SET type = ?
		WHERE community_id = ? AND transport_id = ? AND direction = ?`,
		messageType, communityID, timestamp, string(models.DirectionInbound))
	if err != nil {
		slog.Error(s.name+" SetMessageType failed", "error", err, "communityID", communityID)
		return fmt.Errorf("failed to set message type: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug(s.name+" SetMessageType: no inbound message", "communityID", communityID, "timestamp", timestamp)
	}
	return nil
}

func (s *sqlStore) GetMessageByTimestamp(ctx context.Context, communityID, timestamp string) (*models.Message, error) {
	var m models.Message
	var direction string
	err := s.queryRow(ctx, `SELECT id, community_id, session_id, text, transport_id, direction,
			target_session_id, phone, type, created_at
		FROM messages WHERE community_id = ? AND transport_id = ?
		ORDER BY created_at DESC LIMIT 1`, communityID, timestamp).
		Scan(&m.ID, &m.CommunityID, &m.SessionID, &m.Text, &m.Timestamp, &direction,
			&m.TargetSessionID, &m.Phone, &m.Type, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetMessageByTimestamp failed", "error", err, "communityID", communityID)
		return nil, fmt.Errorf("failed to get message %s: %w", timestamp, err)
	}
	m.Direction = models.MessageDirection(direction)
	return &m, nil
}

func (s *sqlStore) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM messages WHERE created_at < ?`, before.UTC())
	if err != nil {
		slog.Error(s.name+" PruneMessages failed", "error", err, "before", before)
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug(s.name+" PruneMessages succeeded", "deleted", n, "before", before)
	return n, nil
}

func (s *sqlStore) Close() error {
	slog.Debug(s.name + " closing database connection")
	return s.db.Close()
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
