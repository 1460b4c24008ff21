// Package server exposes the tool surface over MCP SSE streams. Each stream
// is keyed by (client-name, user-key) path parameters and bound to one
// identity for its lifetime.
package server

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memgate/memgate/pkg/model"
	"github.com/memgate/memgate/pkg/service/session"
	"github.com/memgate/memgate/pkg/usecase/memory"
	"github.com/memgate/memgate/pkg/utils/logging"
)

// Version reported in the MCP handshake.
const Version = "0.1.0"

type Server struct {
	registry *session.Registry
	uc       *memory.UseCase
	mux      *http.ServeMux
	sse      http.Handler
}

// New builds the HTTP surface: a stream endpoint per (client, user) pair and
// the out-of-band message endpoints correlated to open streams.
func New(registry *session.Registry, uc *memory.UseCase) *Server {
	s := &Server{
		registry: registry,
		uc:       uc,
	}
	s.sse = mcp.NewSSEHandler(s.buildServer, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /mcp/{client}/sse/{user}", s.handleStream)
	mux.HandleFunc("POST /mcp/{client}/sse/{user}", s.handleMessage)
	mux.HandleFunc("POST /mcp/{client}/sse/{user}/messages/", s.handleMessage)
	// The {$} anchor keeps this exact-path alias disjoint from the wildcard
	// message route above.
	mux.HandleFunc("POST /mcp/messages/{$}", s.handleMessage)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type sessionCtxKey struct{}

// handleStream services one long-lived SSE connection. The session is
// registered before the stream starts and removed on every exit path once
// in-flight calls have drained.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	identity := model.Identity{
		UserKey:    r.PathValue("user"),
		ClientName: r.PathValue("client"),
	}

	sess, err := s.registry.Open(r.Context(), identity)
	if err != nil {
		http.Error(w, "client name and user id are required", http.StatusBadRequest)
		return
	}
	// Cleanup must run even when the transport context is already gone.
	defer s.registry.Close(context.WithoutCancel(r.Context()), sess.ID())

	if err := s.registry.Activate(sess.ID()); err != nil {
		logging.From(r.Context()).Error("failed to activate session", "error", err.Error())
		http.Error(w, "failed to activate session", http.StatusInternalServerError)
		return
	}

	ctx := context.WithValue(r.Context(), sessionCtxKey{}, sess)
	s.sse.ServeHTTP(w, r.WithContext(ctx))
}

// handleMessage forwards an out-of-band posted message to the stream it
// belongs to. A message that arrives before its stream is ready is a
// retryable condition, not a client error.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	ww := &warmupWriter{ResponseWriter: w}
	s.sse.ServeHTTP(ww, r)
	if ww.intercepted {
		_, _ = ww.ResponseWriter.Write([]byte(`{"status":"warning","message":"session not initialized, retry"}`))
	}
}

// warmupWriter rewrites unknown-stream rejections into a 503 warning so
// clients retry instead of treating the race as fatal. Only 404 marks an
// unknown stream on the message path; genuinely malformed messages (400)
// pass through untouched.
type warmupWriter struct {
	http.ResponseWriter
	wroteHeader bool
	intercepted bool
}

func (w *warmupWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if code == http.StatusNotFound {
			w.intercepted = true
			w.ResponseWriter.Header().Set("Content-Type", "application/json")
			w.ResponseWriter.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	if !w.intercepted {
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *warmupWriter) Write(b []byte) (int, error) {
	if w.intercepted {
		// The original rejection body is replaced with the warning payload.
		return len(b), nil
	}
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// buildServer creates the per-connection MCP server with every tool bound to
// the connection's session and identity.
func (s *Server) buildServer(r *http.Request) *mcp.Server {
	sess, _ := r.Context().Value(sessionCtxKey{}).(*session.Session)

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "memgate",
		Version: Version,
	}, nil)
	s.registerTools(srv, sess)
	return srv
}
