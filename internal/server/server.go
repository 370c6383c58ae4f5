// Package server exposes the session controller surface as a JSON API. It
// is the boundary the presentation layer talks to; no rendering happens
// here.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogcontext "github.com/veqryn/slog-context"

	"github.com/kubepane/kubepane/internal/codec"
	"github.com/kubepane/kubepane/internal/gateway"
	"github.com/kubepane/kubepane/internal/session"
)

// clusterScopeSegment is the namespace path segment used to address
// cluster-scoped objects.
const clusterScopeSegment = "-"

// MaxBodyBytes bounds the size of accepted edit request bodies.
const MaxBodyBytes = 4 << 20

// Server routes session operations for one Manager.
type Server struct {
	manager *session.Manager
	router  chi.Router
}

// New builds the HTTP surface over a session manager.
func New(manager *session.Manager) *Server {
	s := &Server{manager: manager}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/sessions/{namespace}/{kind}/{name}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Delete("/", s.handleClose)
		r.Put("/model", s.handlePutModel)
		r.Put("/text", s.handlePutText)
		r.Post("/save", s.handleSave)
		r.Post("/discard", s.handleDiscard)
		r.Post("/reload", s.handleReload)
		r.Post("/dismiss", s.handleDismiss)
		r.Post("/clear-error", s.handleClearError)
		r.Delete("/object", s.handleDeleteObject)
	})

	s.router = r
	return s
}

// Handler returns the composed router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func identityFromRequest(r *http.Request) gateway.Identity {
	ns := chi.URLParam(r, "namespace")
	if ns == clusterScopeSegment {
		ns = ""
	}
	return gateway.Identity{
		Namespace: ns,
		Kind:      chi.URLParam(r, "kind"),
		Name:      chi.URLParam(r, "name"),
	}
}

// sessionView is the JSON projection of a session's observable state.
type sessionView struct {
	Identity              gateway.Identity   `json:"identity"`
	State                 session.State      `json:"state"`
	IsLoading             bool               `json:"isLoading"`
	HasChanges            bool               `json:"hasChanges"`
	VersionToken          string             `json:"versionToken"`
	HasServerUpdate       bool               `json:"hasServerUpdate"`
	PendingVersionToken   string             `json:"pendingVersionToken,omitempty"`
	DismissedVersionToken string             `json:"dismissedVersionToken,omitempty"`
	ServerDeleted         bool               `json:"serverDeleted,omitempty"`
	Model                 map[string]any     `json:"model,omitempty"`
	Text                  string             `json:"text,omitempty"`
	SaveError             *session.SaveError `json:"saveError,omitempty"`
}

func viewOf(s *session.Session) sessionView {
	view := sessionView{
		Identity:              s.Identity(),
		State:                 s.State(),
		IsLoading:             s.IsLoading(),
		HasChanges:            s.HasChanges(),
		VersionToken:          s.VersionToken(),
		HasServerUpdate:       s.HasServerUpdate(),
		PendingVersionToken:   s.PendingVersionToken(),
		DismissedVersionToken: s.DismissedVersionToken(),
		ServerDeleted:         s.ServerDeleted(),
		Text:                  s.Text(),
		SaveError:             s.SaveError(),
	}
	if model := s.Model(); model != nil {
		view.Model = model.Object
	}
	return view
}

func (s *Server) open(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := identityFromRequest(r)
	sess, err := s.manager.Open(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(sess))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.manager.Close(identityFromRequest(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutModel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}

	data, ok := readBody(w, r)
	if !ok {
		return
	}
	// Decode through the codec so numbers come back as int64. A plain JSON
	// decode would yield float64 and make re-putting the served model look
	// like an edit.
	model, err := codec.Parse(string(data))
	if err != nil {
		writeStatus(w, r, http.StatusBadRequest, "request body is not a valid resource object: "+err.Error())
		return
	}
	if err := sess.Replace(model); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(sess))
}

func (s *Server) handlePutText(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}

	text, ok := readBody(w, r)
	if !ok {
		return
	}
	sess.SetText(string(text))
	writeJSON(w, r, http.StatusOK, viewOf(sess))
}

// readBody reads the request body bounded by MaxBodyBytes, writing the error
// response itself when the read fails.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeStatus(w, r, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
			return nil, false
		}
		writeStatus(w, r, http.StatusBadRequest, "failed to read request body: "+err.Error())
		return nil, false
	}
	return data, true
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	if err := sess.Save(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	sess.Discard()
	writeJSON(w, r, http.StatusOK, viewOf(sess))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	if err := sess.ReloadFromServer(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	if err := sess.DismissServerUpdate(); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(sess))
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	sess.ClearSaveError()
	writeJSON(w, r, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.open(w, r)
	if !ok {
		return
	}
	if err := sess.Delete(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(sess))
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Message string             `json:"message"`
	Save    *session.SaveError `json:"saveError,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var saveErr *session.SaveError
	var notFound *gateway.NotFoundError
	var transport *gateway.TransportError

	switch {
	case errors.As(err, &saveErr):
		writeJSON(w, r, http.StatusUnprocessableEntity, errorBody{Message: saveErr.Message, Save: saveErr})
	case errors.As(err, &notFound):
		writeStatus(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNoChanges),
		errors.Is(err, session.ErrSaveInFlight),
		errors.Is(err, session.ErrNoPendingUpdate),
		errors.Is(err, session.ErrObjectDeleted):
		writeStatus(w, r, http.StatusConflict, err.Error())
	case errors.As(err, &transport):
		writeStatus(w, r, http.StatusBadGateway, err.Error())
	default:
		slogcontext.FromCtx(r.Context()).Error("request failed", "error", err)
		writeStatus(w, r, http.StatusInternalServerError, err.Error())
	}
}

func writeStatus(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, r, code, errorBody{Message: message})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slogcontext.FromCtx(r.Context()).Error("failed to encode response", "error", err)
	}
}
