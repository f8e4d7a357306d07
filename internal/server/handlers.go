package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"filmarchive/internal/auth"
	"filmarchive/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

// fail maps a storage error onto a response: 404 for unknown images, 503
// when the database is unreachable, 500 otherwise.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, imageID string, err error) {
	if errors.Is(err, storage.ErrImageNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Image '%s' not found.", imageID))
		return
	}
	if perr := s.store.Ping(r.Context()); perr != nil {
		s.log.Error("database unavailable", "path", r.URL.Path, "error", perr)
		writeError(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	s.log.Error("request failed", "path", r.URL.Path, "image_id", imageID, "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// decodeFields reads a JSON object body. Values stay raw so each handler can
// type-check its own fields.
func decodeFields(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || fields == nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return nil, false
	}
	return fields, true
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.store.ListImages(r.Context(), storage.ListFilter{Tag: r.URL.Query().Get("tag")})
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	if images == nil {
		images = []storage.Image{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "images": images, "count": len(images)})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	img, err := s.store.GetImage(r.Context(), id)
	if err != nil {
		s.fail(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "image": img})
}

func (s *Server) handleUpdateTags(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	var tags []string
	if raw, present := fields["tags"]; present {
		if string(raw) == "null" || json.Unmarshal(raw, &tags) != nil {
			writeError(w, http.StatusBadRequest, "Tags must be a list")
			return
		}
	}
	applied, err := s.store.ReplaceTags(r.Context(), id, tags)
	if err != nil {
		s.fail(w, r, id, err)
		return
	}
	s.hub.ImageChanged(id, "tags")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Tags updated successfully. %d tags applied.", len(applied)),
		"tags":    applied,
	})
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	var tag string
	if raw, present := fields["tag"]; present {
		_ = json.Unmarshal(raw, &tag)
	}
	tag = storage.CleanTag(tag)
	if tag == "" {
		writeError(w, http.StatusBadRequest, "Tag missing")
		return
	}
	tags, err := s.store.AddTag(r.Context(), id, tag)
	if err != nil {
		s.fail(w, r, id, err)
		return
	}
	s.hub.ImageChanged(id, "tags")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Tag '%s' added.", tag),
		"tags":    tags,
	})
}

func (s *Server) handleUpdateDescription(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	var description string
	raw, present := fields["description"]
	if !present || json.Unmarshal(raw, &description) != nil || string(raw) == "null" {
		writeError(w, http.StatusBadRequest, "Description must be a string")
		return
	}
	if err := s.store.UpdateDescription(r.Context(), id, description); err != nil {
		s.fail(w, r, id, err)
		return
	}
	s.hub.ImageChanged(id, "description")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Description updated successfully."})
}

func (s *Server) handleSetReload(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	fields, ok := decodeFields(w, r)
	if !ok {
		return
	}
	var flag bool
	raw, present := fields["needs_reload"]
	if !present || json.Unmarshal(raw, &flag) != nil || string(raw) == "null" {
		writeError(w, http.StatusBadRequest, "needs_reload must be a boolean")
		return
	}
	if err := s.store.SetNeedsReload(r.Context(), id, flag); err != nil {
		s.fail(w, r, id, err)
		return
	}
	s.hub.ImageChanged(id, "needs_reload")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "needs_reload": flag})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if err := s.verifier.Check(req.Username, req.Password); err != nil {
		s.log.Warn("login rejected", "username", req.Username, "client", clientIP(r))
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.Username, s.tokenTTL)
	if err != nil {
		s.log.Error("cannot create session", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.log.Info("login", "username", req.Username)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      sess.Token,
		"username":   sess.Username,
		"expires_in": int(s.tokenTTL.Seconds()),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if err := s.sessions.Delete(r.Context(), token); err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
			s.log.Warn("logout failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "username": usernameFrom(r.Context())})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context())
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"total":        st.Total,
		"with_exif":    st.WithExif,
		"tags":         st.Tags,
		"needs_reload": st.NeedsReload,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 200)
	}
	runs, err := s.store.RecentRuns(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "runs": runs})
}
