package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"realtysync/internal/database"
	"realtysync/internal/domain"
	"realtysync/internal/models"
	"realtysync/internal/service"
)

type mutationRequest struct {
	Fields map[string]string `json:"fields"`
	Force  bool              `json:"force"`
	Await  bool              `json:"await"`
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

type entityHandlerFunc func(w http.ResponseWriter, r *http.Request, t models.EntityType)

func (s *HTTPServer) entityHandler(t models.EntityType, fn entityHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, t)
	}
}

func (s *HTTPServer) handleListEntities(w http.ResponseWriter, r *http.Request, t models.EntityType) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entities, err := s.svc.ListEntities(r.Context(), t, limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entities})
}

func (s *HTTPServer) handleGetEntity(w http.ResponseWriter, r *http.Request, t models.EntityType) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entity, err := s.svc.GetEntity(r.Context(), t, id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *HTTPServer) handleCreateEntity(w http.ResponseWriter, r *http.Request, t models.EntityType) {
	var body mutationRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, userEmail := actor(r)
	res, err := s.svc.CreateWithSync(r.Context(), t, body.Fields, userID, userEmail, service.UpdateOptions{Await: body.Await})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *HTTPServer) handleUpdateEntity(w http.ResponseWriter, r *http.Request, t models.EntityType) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body mutationRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Fields) == 0 {
		writeError(w, http.StatusBadRequest, "fields is required")
		return
	}

	userID, userEmail := actor(r)
	opts := service.UpdateOptions{Force: body.Force, Await: body.Await}
	res, err := s.svc.UpdateWithSync(r.Context(), t, id, body.Fields, userID, userEmail, opts)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Open conflicts unless ?all=true.
	open := !strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("all")), "true")

	items, err := s.svc.ListConflicts(r.Context(), open, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body resolveRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, userEmail := actor(r)
	res, err := s.svc.ResolveConflict(r.Context(), id, strings.TrimSpace(body.Resolution), userID, userEmail)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleListFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var t models.EntityType
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		t, err = models.ParseEntityType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))

	items, err := s.svc.ListFailedChanges(r.Context(), t, key, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleReplayFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	userID, userEmail := actor(r)
	res, err := s.svc.ReplayFailedChange(r.Context(), id, userID, userEmail)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrUnknownField),
		errors.Is(err, database.ErrInvalidType),
		errors.Is(err, service.ErrInvalidResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrConflictClosed),
		errors.Is(err, domain.ErrRowNotFound):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func actor(r *http.Request) (userID, userEmail string) {
	return strings.TrimSpace(r.Header.Get(headerUserID)), strings.TrimSpace(r.Header.Get(headerUserEmail))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}
