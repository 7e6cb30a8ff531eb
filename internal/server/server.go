// Package server exposes research sessions over HTTP: JSON status
// endpoints plus an HTML-rendered report page.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"deepresearch/internal/engine"
	"deepresearch/internal/ledger"
)

var md = goldmark.New()

// Server serves session status and reports, and accepts new research
// requests.
type Server struct {
	db     *ledger.DB
	engine *engine.Engine
	mux    *http.ServeMux
}

// New creates a Server around an engine and its ledger.
func New(db *ledger.DB, eng *engine.Engine) *Server {
	s := &Server{db: db, engine: eng, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/sessions", s.handleSessions)
	s.mux.HandleFunc("/session/", s.handleSession)
	s.mux.HandleFunc("/report/", s.handleReport)
	s.mux.HandleFunc("/research", s.handleResearch)
}

type sessionSummary struct {
	SessionID   string `json:"session_id"`
	Query       string `json:"query"`
	Status      string `json:"status"`
	ReportReady bool   `json:"report_ready"`
	CreatedAt   string `json:"created_at,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions, err := s.db.ListSessions()
	if err != nil {
		log.Printf("Listing sessions: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	summaries := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summary := sessionSummary{
			SessionID:   sess.ID,
			Query:       sess.Query,
			Status:      sess.Status,
			ReportReady: sess.Report != nil,
		}
		if sess.CreatedAt != nil {
			summary.CreatedAt = *sess.CreatedAt
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, summaries)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/session/")
	if sessionID == "" {
		http.NotFound(w, r)
		return
	}

	status, err := s.engine.Status(sessionID)
	if errors.Is(err, engine.ErrSessionNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		log.Printf("Session status for %s: %v", sessionID, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/report/")
	if sessionID == "" {
		http.NotFound(w, r)
		return
	}

	report, err := s.engine.Report(sessionID)
	if errors.Is(err, engine.ErrSessionNotFound) {
		http.NotFound(w, r)
		return
	}
	if errors.Is(err, engine.ErrNotReady) {
		http.Error(w, "report not ready", http.StatusConflict)
		return
	}
	if err != nil {
		log.Printf("Report for %s: %v", sessionID, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, reportPage, renderMarkdown(report))
}

type researchRequest struct {
	Query string `json:"query"`
}

// handleResearch starts a session and runs it in the background; the
// caller polls /session/{id} for progress.
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}

	sessionID, err := s.engine.StartSession(r.Context(), req.Query)
	if err != nil {
		log.Printf("Starting session: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	go func() {
		if err := s.engine.Run(context.Background(), sessionID); err != nil {
			log.Printf("Session %s failed: %v", sessionID, err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"session_id": sessionID}); err != nil {
		log.Printf("Encoding response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Encoding response: %v", err)
	}
}

const reportPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Research Report</title>
<style>body{max-width:48rem;margin:2rem auto;padding:0 1rem;font-family:sans-serif;line-height:1.5}</style>
</head>
<body>%s</body>
</html>
`

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(db *ledger.DB, eng *engine.Engine, port int) error {
	srv := New(db, eng)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Printf("Server listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
