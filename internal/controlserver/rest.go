package controlserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/agentrelay/internal/collab"
	"github.com/buildkite/agentrelay/internal/controlapi"
	"github.com/buildkite/agentrelay/internal/session"
)

const maxRequestBody = 1 << 20

func (s *Server) registerREST(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/invoke", s.restInvoke)
	mux.HandleFunc("GET /v1/sessions/{id}", s.restGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.restCancelSession)
	mux.HandleFunc("GET /v1/sessions/{id}/stream", s.restStreamSession)
}

func (s *Server) restInvoke(w http.ResponseWriter, r *http.Request) {
	var req controlapi.InvokeRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty request body")
		}
		s.writeError(w, fmt.Errorf("%w: %v", session.ErrInvalidConfig, err))
		return
	}
	resp, err := s.service.Invoke(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) restGetSession(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.GetSession(r.Context(), &controlapi.GetSessionRequest{SessionID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.Session)
}

func (s *Server) restCancelSession(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.CancelSession(r.Context(), &controlapi.CancelSessionRequest{SessionID: r.PathValue("id")})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// restStreamSession writes the session's events as server-sent events.
// Errors found before the first event keep their REST status.
func (s *Server) restStreamSession(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New("streaming is not supported by this connection"))
		return
	}

	started := false
	err := s.service.StreamSession(r.Context(), &controlapi.StreamSessionRequest{SessionID: r.PathValue("id")}, func(ev *controlapi.Event) error {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeSSE(w, ev); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err == nil {
		return
	}
	if !started {
		s.writeError(w, err)
		return
	}
	if s.logger != nil && r.Context().Err() == nil {
		s.logger.Debug("event stream ended", "path", r.URL.Path, "error", err)
	}
}

func writeSSE(w io.Writer, ev *controlapi.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := httpStatus(err)
	if status >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, controlapi.ErrorResponse{Error: err.Error(), Code: code})
}

// authenticate resolves the bearer token into a principal for every API
// route. Connect routes get connect-formatted errors.
func (s *Server) authenticate(next http.Handler) http.Handler {
	errorWriter := connect.NewErrorWriter(connect.WithCodec(controlapi.JSONCodec{}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.identity == nil {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := s.identity.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("rejected request", "path", r.URL.Path, "error", err)
			}
			if strings.HasPrefix(r.URL.Path, controlapi.ServicePath) && errorWriter.IsSupported(r) {
				_ = errorWriter.Write(w, r, toConnectError(err))
				return
			}
			s.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(collab.WithPrincipal(r.Context(), principal)))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
