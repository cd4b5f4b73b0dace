package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a Store kept in process memory. It is safe for concurrent use
// and hands out copies, so callers never share records with the store.
type InMemoryStore struct {
	mu          sync.RWMutex
	communities map[string]*models.Community // by bot phone
	direct      map[string]*models.DirectSession
	groups      map[string]*models.GroupSession
	members     map[string]map[string]*models.GroupMember // group session id -> phone
	scripts     map[string]*models.ScriptRecord
	messages    []*models.Message
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		communities: make(map[string]*models.Community),
		direct:      make(map[string]*models.DirectSession),
		groups:      make(map[string]*models.GroupSession),
		members:     make(map[string]map[string]*models.GroupMember),
		scripts:     make(map[string]*models.ScriptRecord),
	}
}

func (s *InMemoryStore) SaveCommunity(ctx context.Context, c *models.Community) error {
	if c.BotPhone == "" {
		return models.ErrEmptyBotPhone
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.communities[c.BotPhone] = &cp
	return nil
}

func (s *InMemoryStore) GetCommunityByBotPhone(ctx context.Context, botPhone string) (*models.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.communities[botPhone]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) GetDirectSession(ctx context.Context, communityID, phone string) (*models.DirectSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.direct {
		if d.CommunityID == communityID && d.Phone == phone {
			return d.Clone(), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetDirectSessionByID(ctx context.Context, id string) (*models.DirectSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.direct[id]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

func (s *InMemoryStore) CreateDirectSession(ctx context.Context, d *models.DirectSession) error {
	if d.Phone == "" {
		return models.ErrEmptySender
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.direct {
		if existing.CommunityID == d.CommunityID && existing.Phone == d.Phone {
			return fmt.Errorf("direct session for %s in community %s already exists", d.Phone, d.CommunityID)
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.direct[d.ID] = d.Clone()
	slog.Debug("InMemoryStore CreateDirectSession", "sessionID", d.ID, "communityID", d.CommunityID)
	return nil
}

func (s *InMemoryStore) SetPermissions(ctx context.Context, sessionID string, perms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.direct[sessionID]
	if !ok {
		return fmt.Errorf("direct session %s: %w", sessionID, ErrNotFound)
	}
	d.Permissions = append([]string(nil), perms...)
	return nil
}

func (s *InMemoryStore) ListParticipants(ctx context.Context, communityID string) ([]*models.DirectSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DirectSession
	for _, d := range s.direct {
		if d.CommunityID == communityID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out, nil
}

func (s *InMemoryStore) GetGroupSession(ctx context.Context, communityID, groupID string) (*models.GroupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.CommunityID == communityID && g.GroupID == groupID {
			return g.Clone(), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetGroupSessionByID(ctx context.Context, id string) (*models.GroupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	return g.Clone(), nil
}

func (s *InMemoryStore) CreateGroupSession(ctx context.Context, g *models.GroupSession) error {
	if g.GroupID == "" {
		return models.ErrEmptyGroupID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if existing.CommunityID == g.CommunityID && existing.GroupID == g.GroupID {
			return fmt.Errorf("group session for %s in community %s already exists", g.GroupID, g.CommunityID)
		}
	}
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	stored := g.Clone()
	stored.Peers = nil
	s.groups[g.ID] = stored
	slog.Debug("InMemoryStore CreateGroupSession", "sessionID", g.ID, "communityID", g.CommunityID)
	return nil
}

func (s *InMemoryStore) ListGroupHashtags(ctx context.Context, communityID string) ([]models.GroupHashtag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.GroupHashtag
	for _, g := range s.groups {
		if g.CommunityID == communityID && g.Hashtag != "" {
			out = append(out, models.GroupHashtag{GroupID: g.GroupID, Hashtag: g.Hashtag})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hashtag < out[j].Hashtag })
	return out, nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, kind models.SessionKind, id, scriptID, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case models.SessionDirect:
		d, ok := s.direct[id]
		if !ok {
			return fmt.Errorf("direct session %s: %w", id, ErrNotFound)
		}
		d.CurrentScriptID, d.Step = scriptID, step
	case models.SessionGroup:
		g, ok := s.groups[id]
		if !ok {
			return fmt.Errorf("group session %s: %w", id, ErrNotFound)
		}
		g.CurrentScriptID, g.Step = scriptID, step
	default:
		return fmt.Errorf("unknown session kind %q", kind)
	}
	return nil
}

func (s *InMemoryStore) SetVariable(ctx context.Context, target models.VarTarget, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sess models.ConversationSession
	switch target.Kind {
	case models.SessionDirect:
		if d, ok := s.direct[target.ID]; ok {
			sess = d
		}
	case models.SessionGroup:
		if g, ok := s.groups[target.ID]; ok {
			sess = g
		}
	default:
		return fmt.Errorf("unknown session kind %q", target.Kind)
	}
	if sess == nil {
		return fmt.Errorf("%s session %s: %w", target.Kind, target.ID, ErrNotFound)
	}
	sess.SetVar(name, value)
	return nil
}

func (s *InMemoryStore) AddGroupMember(ctx context.Context, m models.GroupMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPhone, ok := s.members[m.GroupSessionID]
	if !ok {
		byPhone = make(map[string]*models.GroupMember)
		s.members[m.GroupSessionID] = byPhone
	}
	if existing, ok := byPhone[m.Phone]; ok && len(m.Permissions) == 0 {
		m.Permissions = existing.Permissions
	}
	cp := m
	cp.Permissions = append([]string(nil), m.Permissions...)
	byPhone[m.Phone] = &cp
	return nil
}

func (s *InMemoryStore) RemoveGroupMember(ctx context.Context, groupSessionID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[groupSessionID], phone)
	return nil
}

func (s *InMemoryStore) GetGroupMember(ctx context.Context, groupSessionID, phone string) (*models.GroupMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[groupSessionID][phone]
	if !ok {
		return nil, nil
	}
	cp := *m
	cp.Permissions = append([]string(nil), m.Permissions...)
	return &cp, nil
}

func (s *InMemoryStore) SaveScript(ctx context.Context, sc *models.ScriptRecord) error {
	if sc.Name == "" {
		return models.ErrEmptyScriptName
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sc
	s.scripts[sc.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetScript(ctx context.Context, id string) (*models.ScriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	if !ok {
		return nil, fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	cp := *sc
	return &cp, nil
}

func (s *InMemoryStore) GetScriptByName(ctx context.Context, name, communityID string) (*models.ScriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.scripts {
		if sc.Name == name && sc.CommunityID == communityID {
			cp := *sc
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("script %q: %w", name, ErrNotFound)
}

func (s *InMemoryStore) RecordMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *InMemoryStore) SetMessageType(ctx context.Context, communityID, timestamp, messageType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.CommunityID == communityID && m.Timestamp == timestamp && m.Direction == models.DirectionInbound {
			m.Type = messageType
			return nil
		}
	}
	slog.Debug("InMemoryStore SetMessageType: no inbound message", "communityID", communityID, "timestamp", timestamp)
	return nil
}

func (s *InMemoryStore) GetMessageByTimestamp(ctx context.Context, communityID, timestamp string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.CommunityID == communityID && m.Timestamp == timestamp {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if !m.CreatedAt.Before(before) {
			kept = append(kept, m)
		}
	}
	n := int64(len(s.messages) - len(kept))
	clear(s.messages[len(kept):])
	s.messages = kept
	return n, nil
}

// Messages returns a copy of every recorded message, oldest first.
func (s *InMemoryStore) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

func (s *InMemoryStore) Close() error {
	return nil
}
