package server

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"image/jpeg"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/facewatch/internal/enroll"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const errInvalidRequestBody = "invalid request body"

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

type healthResponse struct {
	Status string          `json:"status"`
	Stats  *pipeline.Stats `json:"stats,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Stats != nil {
		st := s.deps.Stats()
		resp.Stats = &st
	}
	respondJSON(w, http.StatusOK, resp)
}

// authorized checks the bearer token against the enrollment secret.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.EnrollSecret == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.EnrollSecret)) == 1
}

type enrollmentResponse struct {
	Token    string `json:"token"`
	Pending  bool   `json:"pending"`
	Captured bool   `json:"captured"`
	Title    string `json:"title,omitempty"`
	// Crop is a base64 JPEG of the captured face, when one was cut.
	Crop string `json:"crop,omitempty"`
}

func (s *Server) requestEnrollment(w http.ResponseWriter, r *http.Request) {
	token, err := s.deps.Enroller.Authorize(s.authorized(r))
	if errors.Is(err, enroll.ErrEnrollmentDenied) {
		log.WithField("remote", r.RemoteAddr).Warn("enrollment request denied")
		respondError(w, http.StatusForbidden, "enrollment not authorized")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, enrollmentResponse{Token: token.String(), Pending: true})
}

func parseToken(w http.ResponseWriter, r *http.Request) (enroll.Token, bool) {
	token, err := uuid.Parse(chi.URLParam(r, "token"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid enrollment token")
		return uuid.Nil, false
	}
	return token, true
}

func (s *Server) enrollmentStatus(w http.ResponseWriter, r *http.Request) {
	token, ok := parseToken(w, r)
	if !ok {
		return
	}
	st, err := s.deps.Enroller.Status(token)
	if err != nil {
		respondEnrollError(w, err)
		return
	}

	resp := enrollmentResponse{Token: st.Token.String(), Pending: st.Pending}
	if st.Captured != nil {
		resp.Captured = true
		resp.Title = st.Captured.Title
		if st.Captured.Crop != nil {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, st.Captured.Crop, &jpeg.Options{Quality: 80}); err == nil {
				resp.Crop = base64.StdEncoding.EncodeToString(buf.Bytes())
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type confirmRequest struct {
	Name string `json:"name"`
}

func (s *Server) confirmEnrollment(w http.ResponseWriter, r *http.Request) {
	token, ok := parseToken(w, r)
	if !ok {
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	name, err := s.deps.Enroller.Confirm(r.Context(), token, req.Name)
	if err != nil {
		respondEnrollError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) cancelEnrollment(w http.ResponseWriter, r *http.Request) {
	token, ok := parseToken(w, r)
	if !ok {
		return
	}
	if err := s.deps.Enroller.Cancel(token); err != nil {
		respondEnrollError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondEnrollError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, enroll.ErrUnknownToken):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, enroll.ErrInvalidName):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, enroll.ErrNotReady):
		respondError(w, http.StatusConflict, err.Error())
	default:
		log.WithError(err).Error("enrollment failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

type identityResponse struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Dim       int       `json:"dim"`
	HasCrop   bool      `json:"has_crop"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Gallery.ListIdentities(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := make([]identityResponse, 0, len(ids))
	for _, id := range ids {
		resp = append(resp, identityResponse(id))
	}
	respondJSON(w, http.StatusOK, resp)
}

func parseID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid identity id")
		return 0, false
	}
	return id, true
}

func (s *Server) identityCrop(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	crop, err := s.deps.Gallery.Crop(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrIdentityNotFound):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	case len(crop) == 0:
		respondError(w, http.StatusNotFound, "identity has no thumbnail")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	w.Write(crop)
}

func (s *Server) deleteIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	err := s.deps.Gallery.DeleteIdentity(r.Context(), id)
	if errors.Is(err, store.ErrIdentityNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.WithField("id", id).Info("identity deleted")
	w.WriteHeader(http.StatusNoContent)
}

type trackResponse struct {
	ID         int       `json:"id"`
	Title      string    `json:"title"`
	Confidence float64   `json:"confidence"`
	Matched    bool      `json:"matched"`
	Box        []float64 `json:"box"`
	Timestamp  int64     `json:"timestamp"`
	Age        int       `json:"age"`
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	tracks := s.deps.Tracks.Tracks()
	resp := make([]trackResponse, 0, len(tracks))
	for _, t := range tracks {
		resp = append(resp, trackResponse{
			ID:         t.ID,
			Title:      t.Title,
			Confidence: t.Confidence,
			Matched:    t.Matched,
			Box:        []float64{t.Location.X.Lo, t.Location.Y.Lo, t.Location.X.Hi, t.Location.Y.Hi},
			Timestamp:  t.Timestamp,
			Age:        t.Age,
		})
	}
	respondJSON(w, http.StatusOK, resp)
}
