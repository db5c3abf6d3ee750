package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MikeSquared-Agency/spotlight/internal/hermes"
	"github.com/MikeSquared-Agency/spotlight/internal/llm"
	"github.com/MikeSquared-Agency/spotlight/internal/perturb"
	"github.com/MikeSquared-Agency/spotlight/internal/saliency"
	"github.com/MikeSquared-Agency/spotlight/internal/segment"
	"github.com/MikeSquared-Agency/spotlight/internal/store"
)

// Publisher emits lifecycle events. *hermes.Client satisfies it.
type Publisher interface {
	Publish(subject string, data any) error
}

// Repository persists run history. *store.Store satisfies it.
type Repository interface {
	CreateAnalysis(ctx context.Context, a store.AnalysisRow) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	CompleteAnalysis(ctx context.Context, id uuid.UUID, baseline string, calls int, phrases []store.PhraseRow) error
	FinishWithoutScores(ctx context.Context, id uuid.UUID, status, msg string, calls int) error
	GetAnalysis(ctx context.Context, id uuid.UUID) (*store.AnalysisRow, error)
	ListAnalyses(ctx context.Context, limit int) ([]store.AnalysisRow, error)
}

// Notifier is told about every run that completes or fails. Cancelled runs
// are not reported.
type Notifier interface {
	Notify(ctx context.Context, run *Run) error
}

type Options struct {
	Provider       string
	Model          string
	MaxTokens      int
	MaxPromptChars int
	RecentRuns     int
	Notifier       Notifier
}

type entry struct {
	run      Run
	cancel   context.CancelFunc
	watchers []chan struct{}
}

// changed wakes every watcher of e. Callers hold s.mu.
func (e *entry) changed() {
	for _, w := range e.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// Service owns analysis runs. Runs execute one per goroutine; inside a run
// every model call is sequential.
type Service struct {
	oracle llm.Oracle
	repo   Repository
	pub    Publisher
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	recent *lru.Cache[uuid.UUID, *entry]
	// active holds every run that has not reached a terminal status, so
	// eviction from recent never hides a run that can still be cancelled.
	active map[uuid.UUID]*entry

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New builds a service. repo and pub may be nil to disable persistence and
// events.
func New(o llm.Oracle, repo Repository, pub Publisher, opts Options, logger *slog.Logger) (*Service, error) {
	if opts.RecentRuns <= 0 {
		opts.RecentRuns = 256
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = saliency.DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	recent, err := lru.New[uuid.UUID, *entry](opts.RecentRuns)
	if err != nil {
		return nil, fmt.Errorf("create run registry: %w", err)
	}

	base, stop := context.WithCancel(context.Background())
	return &Service{
		oracle: o,
		repo:   repo,
		pub:    pub,
		opts:   opts,
		logger: logger,
		recent: recent,
		active: make(map[uuid.UUID]*entry),
		base:   base,
		stop:   stop,
	}, nil
}

// Start validates req, registers a run and executes it in the background.
// The returned snapshot is in status pending.
func (s *Service) Start(ctx context.Context, req Request) (*Run, error) {
	p, e, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(s.base)
	s.mu.Lock()
	e.cancel = cancel
	snap := e.run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.execute(runCtx, e, p)
	}()

	return &snap, nil
}

// Analyze runs req to completion in the caller's goroutine. Cancelling ctx
// stops the run between phrases.
func (s *Service) Analyze(ctx context.Context, req Request) (*Run, error) {
	p, e, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	e.cancel = cancel
	s.mu.Unlock()

	s.execute(runCtx, e, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	snap := e.run
	return &snap, nil
}

func (s *Service) prepare(ctx context.Context, req Request) (*parsed, *entry, error) {
	p, err := req.parse(s.opts.MaxTokens, s.opts.MaxPromptChars)
	if err != nil {
		return nil, nil, err
	}

	phrases := segment.Split(p.primary)
	e := &entry{run: Run{
		ID:        uuid.New(),
		RequestID: req.RequestID,
		Status:    StatusPending,
		Method:    p.method,
		Target:    p.target,
		User:      req.User,
		System:    req.System,
		MaxTokens: p.maxTokens,
		Provider:  s.opts.Provider,
		Model:     s.opts.Model,
		Phrases:   phrases,
		Budget:    saliency.Budget(p.method, len(phrases)),
		Progress:  saliency.Progress{Total: len(phrases)},
		CreatedAt: time.Now().UTC(),
	}}

	if s.repo != nil {
		r := e.run
		if err := s.repo.CreateAnalysis(ctx, store.AnalysisRow{
			ID:           r.ID,
			RequestID:    r.RequestID,
			Status:       string(r.Status),
			Method:       r.Method.String(),
			Target:       r.Target.String(),
			UserPrompt:   r.User,
			SystemPrompt: r.System,
			MaxTokens:    r.MaxTokens,
			Provider:     r.Provider,
			Model:        r.Model,
			CreatedAt:    r.CreatedAt,
		}); err != nil {
			return nil, nil, fmt.Errorf("persist analysis: %w", err)
		}
	}

	s.mu.Lock()
	s.active[e.run.ID] = e
	s.recent.Add(e.run.ID, e)
	s.mu.Unlock()
	return p, e, nil
}

func (s *Service) execute(ctx context.Context, e *entry, p *parsed) {
	s.mu.Lock()
	e.run.Status = StatusRunning
	e.changed()
	run := e.run
	s.mu.Unlock()

	id := run.ID
	logger := s.logger.With("analysis_id", id.String())
	persistCtx := context.WithoutCancel(ctx)

	if s.repo != nil {
		if err := s.repo.UpdateStatus(persistCtx, id, string(StatusRunning)); err != nil {
			logger.Error("failed to mark analysis running", "error", err)
		}
	}
	s.publish(hermes.SubjectAnalysisStarted, hermes.AnalysisStarted{
		AnalysisID: id.String(),
		RequestID:  run.RequestID,
		Method:     run.Method.String(),
		Target:     run.Target.String(),
		Phrases:    len(run.Phrases),
		Budget:     run.Budget,
		StartedAt:  time.Now().UTC(),
	})

	counter := llm.NewCounter(s.oracle)
	onProgress := func(pr saliency.Progress) {
		s.mu.Lock()
		e.run.Progress = pr
		e.changed()
		s.mu.Unlock()
		s.publish(hermes.SubjectAnalysisProgress, hermes.AnalysisProgress{
			AnalysisID: id.String(),
			Completed:  pr.Completed,
			Total:      pr.Total,
		})
	}

	started := time.Now()
	res, err := saliency.Analyze(ctx, counter, saliency.Request{
		Primary: p.primary,
		Config: saliency.Config{
			Method:    p.method,
			Target:    p.target,
			Context:   p.fixed,
			MaxTokens: p.maxTokens,
		},
	}, onProgress, logger)
	finished := time.Now().UTC()

	if err != nil {
		s.finishWithoutScores(persistCtx, e, err, counter.Calls(), finished, logger)
		return
	}

	s.mu.Lock()
	e.run.Status = StatusCompleted
	e.run.Baseline = res.Baseline
	e.run.Raw = res.Raw
	e.run.Failed = res.Failed
	e.run.Calls = res.Calls
	e.run.FinishedAt = &finished
	e.changed()
	delete(s.active, id)
	run = e.run
	s.mu.Unlock()

	if s.repo != nil {
		rows := make([]store.PhraseRow, len(res.Phrases))
		for i, ph := range res.Phrases {
			rows[i] = store.PhraseRow{Index: ph.Index, Text: ph.Text, Raw: res.Raw[i], Failed: res.Failed[i]}
		}
		if err := s.repo.CompleteAnalysis(persistCtx, id, res.Baseline, res.Calls, rows); err != nil {
			logger.Error("failed to persist analysis result", "error", err)
		}
	}

	normalized := res.Normalized
	scores := make([]hermes.PhraseScore, len(res.Phrases))
	for i, ph := range res.Phrases {
		scores[i] = hermes.PhraseScore{
			Index:      ph.Index,
			Text:       ph.Text,
			Raw:        res.Raw[i],
			Normalized: normalized[i],
			Failed:     res.Failed[i],
		}
	}
	s.publish(hermes.SubjectAnalysisCompleted, hermes.AnalysisCompleted{
		AnalysisID:   id.String(),
		RequestID:    run.RequestID,
		Calls:        res.Calls,
		FailedProbes: res.FailedCount(),
		DurationMS:   time.Since(started).Milliseconds(),
		Scores:       scores,
	})
	s.notify(persistCtx, &run, logger)
}

func (s *Service) finishWithoutScores(ctx context.Context, e *entry, runErr error, calls int, finished time.Time, logger *slog.Logger) {
	status, msg := StatusFailed, runErr.Error()
	if errors.Is(runErr, saliency.ErrCancelled) {
		status, msg = StatusCancelled, ""
	}

	s.mu.Lock()
	e.run.Status = status
	e.run.Error = msg
	e.run.Calls = calls
	e.run.FinishedAt = &finished
	e.changed()
	delete(s.active, e.run.ID)
	run := e.run
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.FinishWithoutScores(ctx, run.ID, string(status), msg, calls); err != nil {
			logger.Error("failed to persist analysis status", "status", status, "error", err)
		}
	}

	if status == StatusCancelled {
		logger.Info("analysis cancelled", "completed", run.Progress.Completed, "total", run.Progress.Total)
		s.publish(hermes.SubjectAnalysisCancelled, hermes.AnalysisCancelled{
			AnalysisID: run.ID.String(),
			RequestID:  run.RequestID,
			Completed:  run.Progress.Completed,
			Total:      run.Progress.Total,
		})
		return
	}

	logger.Error("analysis failed", "error", runErr)
	evt := hermes.AnalysisFailed{
		AnalysisID: run.ID.String(),
		RequestID:  run.RequestID,
		Error:      msg,
	}
	var mce *llm.ModelCallError
	if errors.As(runErr, &mce) {
		evt.Kind = string(mce.Kind)
	}
	s.publish(hermes.SubjectAnalysisFailed, evt)
	s.notify(ctx, &run, logger)
}

func (s *Service) notify(ctx context.Context, run *Run, logger *slog.Logger) {
	if s.opts.Notifier == nil {
		return
	}
	if err := s.opts.Notifier.Notify(ctx, run); err != nil {
		logger.Warn("failed to send analysis notification", "status", run.Status, "error", err)
	}
}

// lookup finds a run that is in flight or still in the recent registry.
// Callers hold s.mu.
func (s *Service) lookup(id uuid.UUID) (*entry, bool) {
	if e, ok := s.active[id]; ok {
		return e, true
	}
	return s.recent.Get(id)
}

// Get returns a run from the recent registry, falling back to the store.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	s.mu.Lock()
	if e, ok := s.lookup(id); ok {
		snap := e.run
		s.mu.Unlock()
		return &snap, nil
	}
	s.mu.Unlock()

	if s.repo == nil {
		return nil, ErrNotFound
	}
	row, err := s.repo.GetAnalysis(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// Watch streams snapshots of run id whenever its status or progress changes.
// The channel is closed after the terminal snapshot or when ctx ends. Runs
// only found in the store yield a single snapshot. Updates coalesce when the
// reader falls behind; the terminal snapshot is always delivered.
func (s *Service) Watch(ctx context.Context, id uuid.UUID) (<-chan Run, error) {
	s.mu.Lock()
	e, ok := s.lookup(id)
	if !ok {
		s.mu.Unlock()
		run, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out := make(chan Run, 1)
		out <- *run
		close(out)
		return out, nil
	}
	wake := make(chan struct{}, 1)
	e.watchers = append(e.watchers, wake)
	s.mu.Unlock()

	out := make(chan Run)
	go func() {
		defer close(out)
		defer s.unwatch(e, wake)

		var last Run
		for first := true; ; first = false {
			s.mu.Lock()
			run := e.run
			s.mu.Unlock()

			if first || run.Status != last.Status || run.Progress != last.Progress {
				select {
				case out <- run:
				case <-ctx.Done():
					return
				}
				last = run
			}
			if run.Status.Terminal() {
				return
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) unwatch(e *entry, wake chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range e.watchers {
		if w == wake {
			e.watchers = append(e.watchers[:i], e.watchers[i+1:]...)
			return
		}
	}
}

// Cancel stops a running analysis before its next phrase. The run moves to
// cancelled once the in-flight call returns.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.lookup(id)
	if ok {
		status, cancel := e.run.Status, e.cancel
		s.mu.Unlock()
		if status.Terminal() {
			return ErrFinished
		}
		if cancel != nil {
			cancel()
		}
		return nil
	}
	s.mu.Unlock()

	if s.repo != nil {
		if _, err := s.repo.GetAnalysis(ctx, id); err == nil {
			return ErrFinished
		}
	}
	return ErrNotFound
}

// List returns recent runs newest first, without phrase scores.
func (s *Service) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	if s.repo != nil {
		rows, err := s.repo.ListAnalyses(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]Run, len(rows))
		for i := range rows {
			out[i] = *fromRow(&rows[i])
		}
		return out, nil
	}

	s.mu.Lock()
	var out []Run
	seen := make(map[uuid.UUID]bool)
	for _, e := range s.recent.Values() {
		r := e.run
		r.Raw, r.Failed = nil, nil
		out = append(out, r)
		seen[r.ID] = true
	}
	for id, e := range s.active {
		if !seen[id] {
			out = append(out, e.run)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HandleRequested is the NATS handler for swarm.spotlight.analysis.requested.
func (s *Service) HandleRequested(subject string, data []byte) {
	var evt hermes.AnalysisRequested
	if err := json.Unmarshal(data, &evt); err != nil {
		s.logger.Error("failed to parse analysis request", "error", err)
		return
	}

	run, err := s.Start(context.Background(), Request{
		RequestID: evt.RequestID,
		User:      evt.User,
		System:    evt.System,
		Target:    evt.Target,
		Method:    evt.Method,
		MaxTokens: evt.MaxTokens,
	})
	if err != nil {
		s.logger.Warn("rejected analysis request", "request_id", evt.RequestID, "error", err)
		s.publish(hermes.SubjectAnalysisFailed, hermes.AnalysisFailed{
			RequestID: evt.RequestID,
			Error:     err.Error(),
			Kind:      "invalid_request",
		})
		return
	}

	s.logger.Info("analysis requested over nats",
		"analysis_id", run.ID.String(),
		"request_id", evt.RequestID,
		"phrases", len(run.Phrases),
	)
}

// Close cancels every background run and waits for them to finish.
func (s *Service) Close() {
	s.stop()
	s.wg.Wait()
}

func (s *Service) publish(subject string, data any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Error("failed to publish event", "subject", subject, "error", err)
	}
}

func fromRow(row *store.AnalysisRow) *Run {
	method, _ := perturb.ParseMethod(row.Method)
	target, _ := saliency.ParseTarget(row.Target)

	r := &Run{
		ID:         row.ID,
		RequestID:  row.RequestID,
		Status:     Status(row.Status),
		Method:     method,
		Target:     target,
		User:       row.UserPrompt,
		System:     row.SystemPrompt,
		MaxTokens:  row.MaxTokens,
		Provider:   row.Provider,
		Model:      row.Model,
		Baseline:   row.Baseline,
		Calls:      row.Calls,
		Error:      row.Error,
		CreatedAt:  row.CreatedAt,
		FinishedAt: row.FinishedAt,
	}

	primary := row.UserPrompt
	if target == saliency.TargetSystem {
		primary = row.SystemPrompt
	}
	r.Phrases = segment.Split(primary)

	if len(row.Phrases) > 0 {
		r.Raw = make([]float64, len(row.Phrases))
		r.Failed = make([]bool, len(row.Phrases))
		for i, p := range row.Phrases {
			r.Raw[i] = p.Raw
			r.Failed[i] = p.Failed
		}
	}
	r.Budget = saliency.Budget(method, len(r.Phrases))
	if r.Status == StatusCompleted {
		r.Progress = saliency.Progress{Completed: len(r.Phrases), Total: len(r.Phrases)}
	}
	return r
}
