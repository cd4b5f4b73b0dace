package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/script"
	"github.com/BTreeMap/RelayPipe/internal/store"
)

// permissionsRequest is the body of the permission endpoints.
type permissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// pathParam returns the unescaped chi URL parameter. Phone numbers arrive as %2B15551234567.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// createCommunityHandler stores a community, replacing the one already served by the same bot phone.
func (s *Server) createCommunityHandler(w http.ResponseWriter, r *http.Request) {
	var c models.Community
	if !decodeJSON(w, r, &c, "createCommunityHandler") {
		return
	}
	if err := c.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	ctx := r.Context()
	existing, err := s.st.GetCommunityByBotPhone(ctx, c.BotPhone)
	if err != nil {
		slog.Error("Server.createCommunityHandler: lookup failed", "error", err, "botPhone", c.BotPhone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load community"))
		return
	}
	status := http.StatusCreated
	if existing != nil {
		c.ID = existing.ID
		status = http.StatusOK
	}
	for _, id := range []string{c.OnboardingScriptID, c.GroupScriptID} {
		if id == "" {
			continue
		}
		if _, err := s.st.GetScript(ctx, id); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Unknown script id: "+id))
			return
		}
	}
	if err := s.st.SaveCommunity(ctx, &c); err != nil {
		slog.Error("Server.createCommunityHandler: save failed", "error", err, "botPhone", c.BotPhone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save community"))
		return
	}
	slog.Info("Community saved", "id", c.ID, "botPhone", c.BotPhone)
	writeJSONResponse(w, status, models.Success(c))
}

func (s *Server) getCommunityHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCommunity(w, r, "getCommunityHandler")
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

// lookupCommunity resolves the {botPhone} parameter, writing a 404 when no community matches.
func (s *Server) lookupCommunity(w http.ResponseWriter, r *http.Request, handler string) (*models.Community, bool) {
	botPhone := pathParam(r, "botPhone")
	c, err := s.st.GetCommunityByBotPhone(r.Context(), botPhone)
	if err != nil {
		slog.Error("Server."+handler+": community lookup failed", "error", err, "botPhone", botPhone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load community"))
		return nil, false
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Community not found"))
		return nil, false
	}
	return c, true
}

// saveScriptHandler validates and stores a script. A script with the same name
// in the same scope is replaced in place so sessions pointing at it pick up the change.
func (s *Server) saveScriptHandler(w http.ResponseWriter, r *http.Request) {
	var rec models.ScriptRecord
	if !decodeJSON(w, r, &rec, "saveScriptHandler") {
		return
	}
	if err := rec.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if _, err := script.Parse([]byte(rec.Source)); err != nil {
		var perr *script.ParseError
		if errors.As(err, &perr) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(perr.Error()))
			return
		}
		slog.Error("Server.saveScriptHandler: parse failed", "error", err, "name", rec.Name)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid script definition"))
		return
	}

	ctx := r.Context()
	status, err := s.upsertScript(ctx, &rec)
	if err != nil {
		slog.Error("Server.saveScriptHandler: save failed", "error", err, "name", rec.Name)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save script"))
		return
	}
	if s.scripts != nil {
		s.scripts.InvalidateScript(rec.ID)
	}
	slog.Info("Script saved", "id", rec.ID, "name", rec.Name, "communityID", rec.CommunityID)
	writeJSONResponse(w, status, models.Success(rec))
}

func (s *Server) upsertScript(ctx context.Context, rec *models.ScriptRecord) (int, error) {
	status := http.StatusCreated
	if rec.ID == "" {
		existing, err := s.st.GetScriptByName(ctx, rec.Name, rec.CommunityID)
		switch {
		case err == nil:
			rec.ID = existing.ID
			status = http.StatusOK
		case !errors.Is(err, store.ErrNotFound):
			return 0, err
		}
	} else if _, err := s.st.GetScript(ctx, rec.ID); err == nil {
		status = http.StatusOK
	}
	return status, s.st.SaveScript(ctx, rec)
}

func (s *Server) getScriptHandler(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	rec, err := s.st.GetScript(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Script not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getScriptHandler: lookup failed", "error", err, "id", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load script"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rec))
}

// participantPermissionsHandler replaces the community-level permissions of a participant.
func (s *Server) participantPermissionsHandler(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if !decodeJSON(w, r, &req, "participantPermissionsHandler") {
		return
	}
	if err := models.ValidatePermissions(req.Permissions); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	c, ok := s.lookupCommunity(w, r, "participantPermissionsHandler")
	if !ok {
		return
	}
	ctx := r.Context()
	phone := pathParam(r, "phone")
	sess, err := s.st.GetDirectSession(ctx, c.ID, phone)
	if err != nil {
		slog.Error("Server.participantPermissionsHandler: lookup failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load participant"))
		return
	}
	if sess == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Participant not found"))
		return
	}
	if err := s.st.SetPermissions(ctx, sess.ID, req.Permissions); err != nil {
		slog.Error("Server.participantPermissionsHandler: update failed", "error", err, "sessionID", sess.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update permissions"))
		return
	}
	sess.Permissions = req.Permissions
	slog.Info("Participant permissions updated", "phone", phone, "permissions", req.Permissions)
	writeJSONResponse(w, http.StatusOK, models.Success(sess))
}

// memberPermissionsHandler sets the group-level permissions of a member, adding the member when absent.
func (s *Server) memberPermissionsHandler(w http.ResponseWriter, r *http.Request) {
	var req permissionsRequest
	if !decodeJSON(w, r, &req, "memberPermissionsHandler") {
		return
	}
	if err := models.ValidatePermissions(req.Permissions); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	c, ok := s.lookupCommunity(w, r, "memberPermissionsHandler")
	if !ok {
		return
	}
	ctx := r.Context()
	groupID := pathParam(r, "groupID")
	g, err := s.st.GetGroupSession(ctx, c.ID, groupID)
	if err != nil {
		slog.Error("Server.memberPermissionsHandler: lookup failed", "error", err, "groupID", groupID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load group"))
		return
	}
	if g == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Group not found"))
		return
	}
	m := models.GroupMember{GroupSessionID: g.ID, Phone: pathParam(r, "phone"), Permissions: req.Permissions}
	if err := s.st.AddGroupMember(ctx, m); err != nil {
		slog.Error("Server.memberPermissionsHandler: update failed", "error", err, "groupSessionID", g.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update permissions"))
		return
	}
	slog.Info("Group member permissions updated", "groupID", groupID, "phone", m.Phone, "permissions", req.Permissions)
	writeJSONResponse(w, http.StatusOK, models.Success(m))
}
