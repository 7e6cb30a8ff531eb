// Package engine is the orchestration state machine: it sequences
// planning, acquisition, auditing, and writing for a research session,
// enforcing the refinement bound so every session terminates.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"deepresearch/internal/auditor"
	"deepresearch/internal/config"
	"deepresearch/internal/executor"
	"deepresearch/internal/ledger"
	"deepresearch/internal/planner"
)

var (
	// ErrNotReady is returned by Report until the final report exists.
	ErrNotReady = errors.New("report not ready")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// Planner produces and revises research plans.
type Planner interface {
	Plan(ctx context.Context, query string) (*planner.Plan, error)
	Replan(ctx context.Context, session *ledger.Session, verified []ledger.Vector, evidenceSummary string) (*planner.Plan, error)
}

// Executor runs one acquisition pass for a vector.
type Executor interface {
	Execute(ctx context.Context, vector *ledger.Vector) (*executor.Result, error)
}

// Auditor grades a vector's evidence.
type Auditor interface {
	Audit(ctx context.Context, vector *ledger.Vector) (*auditor.Verdict, error)
}

// Writer renders the final report from the ledger.
type Writer interface {
	Write(ctx context.Context, sessionID string) (string, error)
}

// maxReplans bounds outline revisions per session so replanning cannot
// reset the termination budget indefinitely.
const maxReplans = 1

// Engine owns the session lifecycle. All state lives in the ledger; the
// engine itself holds only collaborators and tuning.
type Engine struct {
	db       *ledger.DB
	planner  Planner
	executor Executor
	auditor  Auditor
	writer   Writer

	maxRefinements int
	workers        int
}

// New creates an Engine.
func New(db *ledger.DB, p Planner, e Executor, a Auditor, w Writer, cfg config.Engine) *Engine {
	maxRefinements := cfg.MaxRefinements
	if maxRefinements <= 0 {
		maxRefinements = 3
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 3
	}
	return &Engine{
		db:             db,
		planner:        p,
		executor:       e,
		auditor:        a,
		writer:         w,
		maxRefinements: maxRefinements,
		workers:        workers,
	}
}

// StartSession creates a session for the query and returns its id. Run
// drives it to completion separately.
func (e *Engine) StartSession(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("empty query")
	}
	return e.db.CreateSession(query)
}

// Run drives a session from planning through the final report. Only
// planner/auditor/writer provider failures and ledger failures abort;
// everything else degrades per vector.
func (e *Engine) Run(ctx context.Context, sessionID string) error {
	session, err := e.db.GetSession(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSessionNotFound
	}
	if session.Report != nil {
		return nil
	}

	if err := e.plan(ctx, session); err != nil {
		return e.fail(sessionID, err)
	}
	if err := e.research(ctx, sessionID); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return e.fail(sessionID, err)
	}
	if err := e.write(ctx, sessionID); err != nil {
		return e.fail(sessionID, err)
	}
	return nil
}

// plan produces the initial outline and vector set.
func (e *Engine) plan(ctx context.Context, session *ledger.Session) error {
	log.Printf("Session %s: planning", session.ID)
	plan, err := e.planner.Plan(ctx, session.Query)
	if err != nil {
		return err
	}
	if err := e.applyPlan(session.ID, plan); err != nil {
		return err
	}
	return e.db.UpdateSessionStatus(session.ID, ledger.SessionResearching)
}

func (e *Engine) applyPlan(sessionID string, plan *planner.Plan) error {
	if err := e.db.UpdateOutline(sessionID, plan.Outline); err != nil {
		return err
	}
	for _, v := range plan.Vectors {
		if _, err := e.db.InsertVector(sessionID, v.Section, v.Topic, v.Queries); err != nil {
			return err
		}
	}
	return nil
}

// research runs the execute/audit loop until every vector is verified or
// exhausted. Vectors are processed concurrently up to the worker limit;
// each replan is a barrier behind the group wait.
func (e *Engine) research(ctx context.Context, sessionID string) error {
	replans := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		vectors, err := e.db.GetVectorsForSession(sessionID)
		if err != nil {
			return err
		}
		var pending []ledger.Vector
		for _, v := range vectors {
			if v.Status == ledger.VectorPending {
				pending = append(pending, v)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		var mu sync.Mutex
		var hints []string

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for i := range pending {
			v := pending[i]
			g.Go(func() error {
				hint, err := e.processVector(gctx, &v)
				if err != nil {
					return err
				}
				if hint != "" {
					mu.Lock()
					hints = append(hints, hint)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if len(hints) > 0 {
			if replans < maxReplans {
				replans++
				if err := e.replan(ctx, sessionID, hints); err != nil {
					return err
				}
			} else {
				log.Printf("Session %s: replan budget spent, ignoring %d hint(s)", sessionID, len(hints))
			}
		}
	}
}

// processVector runs one execute/audit cycle and advances the vector's
// status. Returns a replan hint when the audit surfaced one.
func (e *Engine) processVector(ctx context.Context, v *ledger.Vector) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.db.UpdateVectorStatus(v.ID, ledger.VectorIngesting); err != nil {
		return "", err
	}

	result, err := e.executor.Execute(ctx, v)
	if err != nil {
		if errors.Is(err, executor.ErrLedgerWrite) {
			return "", err
		}
		// Search collaborator failure costs this pass its evidence; the
		// audit below drives refinement or exhaustion.
		log.Printf("Acquisition failed for vector %s: %v", v.ID, err)
	} else if result.NoCandidates {
		log.Printf("Vector %s: no candidates for %q", v.ID, result.Query)
	}

	verdict, err := e.auditor.Audit(ctx, v)
	if err != nil {
		return "", fmt.Errorf("audit failed for vector %s: %w", v.ID, err)
	}
	if err := e.db.RecordConflicts(v.ID, verdict.Conflicts); err != nil {
		return "", err
	}

	switch {
	case verdict.Status == auditor.VerdictReady:
		log.Printf("Vector %s verified", v.ID)
		if err := e.db.UpdateVectorStatus(v.ID, ledger.VectorVerified); err != nil {
			return "", err
		}
	case v.Refinements >= e.maxRefinements:
		log.Printf("Vector %s exhausted after %d refinements", v.ID, v.Refinements)
		if err := e.db.UpdateVectorStatus(v.ID, ledger.VectorExhausted); err != nil {
			return "", err
		}
	default:
		log.Printf("Vector %s %s (%s), refining to %q", v.ID, verdict.Status, verdict.Reason, verdict.RefinedQuery)
		if _, err := e.db.RefineVector(v.ID, verdict.RefinedQuery); err != nil {
			return "", err
		}
	}
	return verdict.ReplanHint, nil
}

// replan rewrites the outline after evidence contradicted it. Runs only
// between rounds, with no acquisitions in flight; verified vectors and
// their sections are preserved, all others are replaced. Evidence stays in
// the ledger with its vector tag cleared.
func (e *Engine) replan(ctx context.Context, sessionID string, hints []string) error {
	session, err := e.db.GetSession(sessionID)
	if err != nil {
		return err
	}
	vectors, err := e.db.GetVectorsForSession(sessionID)
	if err != nil {
		return err
	}
	var verified []ledger.Vector
	for _, v := range vectors {
		if v.Status == ledger.VectorVerified {
			verified = append(verified, v)
		}
	}

	summary := strings.Join(hints, "\n")
	log.Printf("Session %s: replanning (%d verified vectors preserved)", sessionID, len(verified))
	plan, err := e.planner.Replan(ctx, session, verified, summary)
	if err != nil {
		return err
	}

	removed, err := e.db.DeleteUnverifiedVectors(sessionID)
	if err != nil {
		return err
	}
	log.Printf("Session %s: replaced %d unverified vectors", sessionID, len(removed))
	return e.applyPlan(sessionID, plan)
}

// write renders and stores the final report, completing the session.
func (e *Engine) write(ctx context.Context, sessionID string) error {
	if err := e.db.UpdateSessionStatus(sessionID, ledger.SessionWriting); err != nil {
		return err
	}
	log.Printf("Session %s: writing report", sessionID)
	report, err := e.writer.Write(ctx, sessionID)
	if err != nil {
		return err
	}
	return e.db.SetReport(sessionID, report)
}

// fail marks the session failed and returns the cause.
func (e *Engine) fail(sessionID string, cause error) error {
	if err := e.db.UpdateSessionStatus(sessionID, ledger.SessionFailed); err != nil {
		log.Printf("Marking session %s failed: %v", sessionID, err)
	}
	return cause
}

// VectorStatus is one vector's progress in a status snapshot.
type VectorStatus struct {
	ID          string `json:"id"`
	Section     string `json:"section"`
	Topic       string `json:"topic"`
	Status      string `json:"status"`
	Refinements int    `json:"refinements"`
}

// SessionStatus is the externally visible progress of a session.
type SessionStatus struct {
	SessionID   string         `json:"session_id"`
	Query       string         `json:"query"`
	Status      string         `json:"status"`
	Outline     []string       `json:"outline"`
	Vectors     []VectorStatus `json:"vectors"`
	ReportReady bool           `json:"report_ready"`
	CreatedAt   string         `json:"created_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

// Status reports a session's outline, vector statuses, and refinement
// counts.
func (e *Engine) Status(sessionID string) (*SessionStatus, error) {
	session, err := e.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	vectors, err := e.db.GetVectorsForSession(sessionID)
	if err != nil {
		return nil, err
	}

	status := &SessionStatus{
		SessionID:   session.ID,
		Query:       session.Query,
		Status:      session.Status,
		Outline:     session.Outline,
		ReportReady: session.Report != nil,
	}
	if session.CreatedAt != nil {
		status.CreatedAt = *session.CreatedAt
	}
	if session.CompletedAt != nil {
		status.CompletedAt = *session.CompletedAt
	}
	for _, v := range vectors {
		status.Vectors = append(status.Vectors, VectorStatus{
			ID:          v.ID,
			Section:     v.Section,
			Topic:       v.Topic,
			Status:      v.Status,
			Refinements: v.Refinements,
		})
	}
	return status, nil
}

// Report returns the final report, or ErrNotReady while the session is
// still in progress.
func (e *Engine) Report(sessionID string) (string, error) {
	session, err := e.db.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", ErrSessionNotFound
	}
	if session.Report == nil {
		return "", ErrNotReady
	}
	return *session.Report, nil
}
