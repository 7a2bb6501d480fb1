package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/TaskExport/internal/export"
	"github.com/dharsanguruparan/TaskExport/internal/model"
	"github.com/dharsanguruparan/TaskExport/internal/store"
)

// exportRequest is the body of POST /exports.
type exportRequest struct {
	Filter model.FilterSpec `json:"filter"`
	Format string           `json:"format"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type signedURLResponse struct {
	URL     string `json:"url"`
	Expires int64  `json:"expires"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", model.ErrInvalidFilter, err))
		return
	}
	format, err := model.ParseFormat(req.Format)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.service.RequestExport(r.Context(), req.Filter, format)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Cached {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.HistoryQuery{
		Status: model.ExportStatus(q.Get("status")),
		Format: model.Format(q.Get("format")),
	}
	var err error
	if query.Page, err = intParam(q.Get("page")); err != nil {
		s.respondError(w, r, err)
		return
	}
	if query.Limit, err = intParam(q.Get("limit")); err != nil {
		s.respondError(w, r, err)
		return
	}
	page, err := s.service.History(r.Context(), query)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad paging parameter %q", model.ErrInvalidFilter, raw)
	}
	return n, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleRepeat(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.RepeatExport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.service.ResolveArtifact(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if s.opts.Mirror != nil {
		u, err := s.opts.Mirror.PresignURL(r.Context(), a.Filename, a.Filename, s.opts.SignedURLTTL)
		if err == nil {
			respondJSON(w, http.StatusOK, signedURLResponse{URL: u, Expires: time.Now().Add(s.opts.SignedURLTTL).Unix()})
			return
		}
		if a.Remote {
			s.respondError(w, r, err)
			return
		}
		s.log.WithError(err).WithField("export_id", id).Warn("presign mirrored artifact, using local link")
	}
	q, expiry := s.signer.Link(id, s.opts.SignedURLTTL)
	respondJSON(w, http.StatusOK, signedURLResponse{URL: "/download?" + q.Encode(), Expires: expiry.Unix()})
}

func (s *Server) handleSignedDownload(w http.ResponseWriter, r *http.Request) {
	id, err := s.signer.Verify(r.URL.Query())
	if err != nil {
		respondJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
		return
	}
	s.serveArtifact(w, r, id)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, id string) {
	a, err := s.service.ResolveArtifact(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if a.Remote {
		s.redirectToMirror(w, r, a)
		return
	}
	f, err := os.Open(a.Path)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", model.ErrNotFound, err))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", a.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Filename))
	http.ServeContent(w, r, a.Filename, info.ModTime(), f)
}

// redirectToMirror sends the client to the object-store copy of an artifact
// written on another host.
func (s *Server) redirectToMirror(w http.ResponseWriter, r *http.Request, a *export.Artifact) {
	if s.opts.Mirror == nil {
		s.respondError(w, r, fmt.Errorf("%w: artifact of export %s is not on this host", model.ErrNotFound, a.ExportID))
		return
	}
	u, err := s.opts.Mirror.PresignURL(r.Context(), a.Filename, a.Filename, s.opts.SignedURLTTL)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidFormat), errors.Is(err, model.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, model.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, model.ErrEmptyResult):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		msg = "internal error"
	}
	respondJSON(w, status, errorResponse{Error: msg})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

var _ Service = (*export.Coordinator)(nil)
