package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Pythagora-io/gpt-pilot-sub000/internal/logging"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/domain"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/orchestrator"
	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/ports"
)

// Server serves a read-only view of the snapshot store.
type Server struct {
	Repo    ports.Repository
	Streams *StreamManager

	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithStreams shares a StreamManager, typically one fed by orchestrator hooks.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) {
		s.Streams = sm
	}
}

// NewServer creates a server over repo.
func NewServer(repo ports.Repository, opts ...Option) *Server {
	s := &Server{
		Repo:     repo,
		logger:   logging.NewNop(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Streams == nil {
		s.Streams = NewStreamManager(s.logger)
	}
	return s
}

// NewHandler creates the HTTP handler for repo.
func NewHandler(repo ports.Repository, opts ...Option) http.Handler {
	return NewServer(repo, opts...).Routes()
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.GetHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/events", s.SubscribeEvents)

	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.ListProjects)
		r.Get("/{projectID}", s.GetProject)
		r.Get("/{projectID}/branches", s.ListBranches)
	})
	r.Route("/branches/{branchID}/snapshots", func(r chi.Router) {
		r.Get("/", s.ListSnapshots)
		r.Get("/{step}", s.GetSnapshot)
		r.Get("/{step}/diff", s.GetDiff)
		r.Get("/{step}/dispatch", s.GetDispatch)
	})
	return enableCORS(r)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// ListProjects handles GET /projects.
func (s *Server) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.Repo.ListProjects(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, projects)
}

// GetProject handles GET /projects/{projectID}.
func (s *Server) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.Repo.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, p)
}

// ListBranches handles GET /projects/{projectID}/branches.
func (s *Server) ListBranches(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "projectID")
	if _, err := s.Repo.GetProject(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	branches, err := s.Repo.ListBranches(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, branches)
}

// ListSnapshots handles GET /branches/{branchID}/snapshots.
func (s *Server) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "branchID")
	if _, err := s.Repo.GetBranch(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	list, err := s.Repo.ListSnapshots(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, list)
}

// SnapshotDetail is the full view of one snapshot.
type SnapshotDetail struct {
	Snapshot      domain.SnapshotRecord `json:"snapshot"`
	Specification *domain.Specification `json:"specification"`
	Files         []FileEntry           `json:"files"`
}

// FileEntry describes a file without its content.
type FileEntry struct {
	Path        string `json:"path"`
	ContentID   string `json:"content_id"`
	Size        int    `json:"size"`
	Description string `json:"description,omitempty"`
}

// GetSnapshot handles GET /branches/{branchID}/snapshots/{step}. The step is a
// step index or "latest".
func (s *Server) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	stored, err := s.load(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	detail := SnapshotDetail{
		Snapshot:      stored.Record,
		Specification: stored.Specification,
		Files:         make([]FileEntry, 0, len(stored.Files)),
	}
	for _, f := range stored.Files {
		e := FileEntry{Path: f.Path, Description: f.Description()}
		if f.Content != nil {
			e.ContentID = f.Content.ID
			e.Size = len(f.Content.Content)
		}
		detail.Files = append(detail.Files, e)
	}
	s.writeJSON(w, detail)
}

// GetDiff handles GET /branches/{branchID}/snapshots/{step}/diff: the changes
// the snapshot made over its predecessor.
func (s *Server) GetDiff(w http.ResponseWriter, r *http.Request) {
	stored, err := s.load(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	to, err := restore(stored)
	if err != nil {
		s.fail(w, err)
		return
	}
	var from *domain.Snapshot
	if stored.Record.StepIndex > 1 {
		prev, err := s.Repo.LoadSnapshot(r.Context(), stored.Record.BranchID, stored.Record.StepIndex-1)
		if err != nil {
			s.fail(w, err)
			return
		}
		if from, err = restore(prev); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.writeJSON(w, domain.Diff(from, to))
}

// DispatchPreview is the worker the orchestrator would run next from a snapshot,
// assuming no pending result.
type DispatchPreview struct {
	Kind     string             `json:"kind"`
	Phase    orchestrator.Phase `json:"phase"`
	Parallel bool               `json:"parallel"`
	StepIDs  []string           `json:"step_ids,omitempty"`
}

// GetDispatch handles GET /branches/{branchID}/snapshots/{step}/dispatch.
func (s *Server) GetDispatch(w http.ResponseWriter, r *http.Request) {
	stored, err := s.load(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	snap, err := restore(stored)
	if err != nil {
		s.fail(w, err)
		return
	}
	plan, err := orchestrator.Dispatch(snap, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	preview := DispatchPreview{
		Kind:     string(plan.Kind),
		Phase:    orchestrator.PhaseOf(snap, nil),
		Parallel: plan.Parallel(),
	}
	for _, st := range plan.Steps {
		preview.StepIDs = append(preview.StepIDs, st.ID)
	}
	s.writeJSON(w, preview)
}

var errBadStep = errors.New("step must be a positive integer or \"latest\"")

func (s *Server) load(r *http.Request) (*ports.StoredSnapshot, error) {
	step := 0
	if raw := chi.URLParam(r, "step"); raw != "latest" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, errBadStep
		}
		step = n
	}
	return s.Repo.LoadSnapshot(r.Context(), chi.URLParam(r, "branchID"), step)
}

func restore(stored *ports.StoredSnapshot) (*domain.Snapshot, error) {
	return domain.RestoreSnapshot(stored.Record, stored.Specification, stored.Files)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBadStep):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ports.ErrProjectNotFound),
		errors.Is(err, ports.ErrBranchNotFound),
		errors.Is(err, ports.ErrSnapshotNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("Request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "err", err)
	}
}

// StreamManager fans orchestrator events out to SSE clients.
type StreamManager struct {
	mu          sync.RWMutex
	subscribers map[chan string]struct{}
	logger      *slog.Logger
}

// NewStreamManager creates an empty manager.
func NewStreamManager(logger *slog.Logger) *StreamManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StreamManager{
		subscribers: make(map[chan string]struct{}),
		logger:      logger,
	}
}

// Subscribe registers a client. The returned func unsubscribes and closes the channel.
func (sm *StreamManager) Subscribe() (<-chan string, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan string, 10)
	sm.subscribers[ch] = struct{}{}
	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if _, ok := sm.subscribers[ch]; ok {
			delete(sm.subscribers, ch)
			close(ch)
		}
	}
}

// Broadcast sends msg to every subscriber, dropping it for clients that lag.
func (sm *StreamManager) Broadcast(msg string) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for ch := range sm.subscribers {
		select {
		case ch <- msg:
		default:
			sm.logger.Warn("SSE client buffer full, dropping message")
		}
	}
}

// Publish encodes an event as JSON and broadcasts it.
func (sm *StreamManager) Publish(event any) {
	b, err := json.Marshal(event)
	if err != nil {
		sm.logger.Warn("Failed to encode event", "err", err)
		return
	}
	sm.Broadcast(string(b))
}

// Hooks returns orchestrator hooks that publish every event.
func (sm *StreamManager) Hooks() orchestrator.Hooks {
	return orchestrator.Hooks{
		OnWorkerStart:  func(_ context.Context, e *orchestrator.WorkerEvent) { sm.Publish(e) },
		OnWorkerFinish: func(_ context.Context, e *orchestrator.WorkerEvent) { sm.Publish(e) },
		OnCommit:       func(_ context.Context, e *orchestrator.CommitEvent) { sm.Publish(e) },
	}
}

// SubscribeEvents handles GET /events (SSE).
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.Streams.Subscribe()
	defer cancel()

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
