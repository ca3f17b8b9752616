// Package runner executes workflow runs: it opens the account session once,
// fans the active nodes out to discovery streams with bounded parallelism and
// records a lead for every discovered item.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/clock"
	"go-groupwatch/internal/core/ports"
	"go-groupwatch/internal/discovery"
	"go-groupwatch/internal/domain"
	"go-groupwatch/internal/metrics"
	"go-groupwatch/internal/session"
)

type Config struct {
	// Concurrency is the number of nodes scanned at the same time.
	Concurrency int           `yaml:"concurrency"`
	NavAttempts int           `yaml:"nav_attempts"`
	NavBackoff  time.Duration `yaml:"nav_backoff"`
	NavTimeout  time.Duration `yaml:"nav_timeout"`
	// MaxItemsPerNode ends a node after that many new leads. Zero means no
	// limit.
	MaxItemsPerNode int           `yaml:"max_items_per_node"`
	NodeIdleTimeout time.Duration `yaml:"node_idle_timeout"`
	MaxNodeDuration time.Duration `yaml:"max_node_duration"`
	// LoginFormSelector matches the login form shown to logged-out visitors.
	LoginFormSelector string `yaml:"login_form_selector"`
}

func DefaultConfig() Config {
	return Config{
		Concurrency:       3,
		NavAttempts:       3,
		NavBackoff:        5 * time.Second,
		NavTimeout:        30 * time.Second,
		MaxItemsPerNode:   50,
		NodeIdleTimeout:   3 * time.Minute,
		MaxNodeDuration:   15 * time.Minute,
		LoginFormSelector: `form#login_form, input[name="email"][type="text"]`,
	}
}

// Sessions is the part of the session manager the runner needs.
type Sessions interface {
	Open(ctx context.Context, tenantID, accountID uuid.UUID) (*session.Session, error)
	VerifyIdentity(ctx context.Context, account *domain.Account) error
}

const snippetLength = 500

type Runner struct {
	cfg       Config
	sessions  Sessions
	discovery *discovery.Loop
	accounts  ports.AccountRepository
	workflows ports.WorkflowRepository
	leads     ports.LeadRepository
	events    ports.EventBus
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*activeRun
}

type activeRun struct {
	workflowID uuid.UUID
	cancel     context.CancelFunc
	stopped    atomic.Bool
}

func (a *activeRun) running() bool { return !a.stopped.Load() }

func New(
	cfg Config,
	sessions Sessions,
	loop *discovery.Loop,
	accounts ports.AccountRepository,
	workflows ports.WorkflowRepository,
	leads ports.LeadRepository,
	events ports.EventBus,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.NavAttempts < 1 {
		cfg.NavAttempts = 1
	}
	return &Runner{
		cfg:       cfg,
		sessions:  sessions,
		discovery: loop,
		accounts:  accounts,
		workflows: workflows,
		leads:     leads,
		events:    events,
		clock:     clk,
		metrics:   m,
		logger:    logger.With("module", "runner"),
		active:    make(map[uuid.UUID]*activeRun),
	}
}

// track registers a run for workflowID or reports ErrAlreadyRunning.
func (r *Runner) track(workflowID uuid.UUID, cancel context.CancelFunc) (*activeRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[workflowID]; ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyRunning, workflowID)
	}
	ar := &activeRun{workflowID: workflowID, cancel: cancel}
	r.active[workflowID] = ar
	return ar, nil
}

func (r *Runner) untrack(ar *activeRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[ar.workflowID] == ar {
		delete(r.active, ar.workflowID)
	}
}

// Active lists the workflows running in this process.
func (r *Runner) Active() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

// Stop untracks the run of workflowID, cancels it and marks the workflow
// stopped. It reports whether the workflow was running here.
func (r *Runner) Stop(ctx context.Context, workflowID uuid.UUID) (bool, error) {
	r.mu.Lock()
	ar, ok := r.active[workflowID]
	if ok {
		delete(r.active, workflowID)
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	ar.stopped.Store(true)
	ar.cancel()
	r.logger.InfoContext(ctx, "workflow stop requested", "workflow_id", workflowID)
	return true, r.workflows.UpdateStatus(ctx, workflowID, domain.WorkflowStopped)
}

// Start executes one run of the snapshot and blocks until it is finished.
// The returned run is nil when the workflow was rejected before a run was
// recorded, or was stopped after the start was requested.
func (r *Runner) Start(ctx context.Context, snap domain.StartWorkflowPayload) (*domain.WorkflowRun, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. One run per workflow id
	ar, err := r.track(snap.ID, cancel)
	if err != nil {
		return nil, err
	}
	defer r.untrack(ar)

	logger := r.logger.With("workflow_id", snap.ID, "account_id", snap.AccountID)

	// 1.5. A stop that arrived while the start sat in the queue wins
	stopped, err := r.stoppedSince(ctx, snap)
	if err != nil {
		return nil, err
	}
	if stopped {
		logger.InfoContext(ctx, "workflow stopped before its run started, skipping", "requested_at", snap.RequestedAt)
		return nil, nil
	}

	// 2. Persist the snapshot so leads can be traced back to their node
	if err := r.workflows.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save workflow snapshot: %w", err)
	}

	// 3. The account must be usable
	account, err := r.accounts.GetByID(ctx, snap.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.IsReady() {
		return nil, fmt.Errorf("%w: account %s is %s", domain.ErrAccountNotReady, account.ID, account.Status)
	}
	if err := r.sessions.VerifyIdentity(ctx, account); err != nil {
		return nil, err
	}

	// 4. Record the run
	run := domain.NewWorkflowRun(snap.ID, r.clock.Now().UTC())
	if err := r.workflows.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := r.workflows.UpdateStatus(ctx, snap.ID, domain.WorkflowRunning); err != nil {
		return nil, err
	}
	r.metrics.RunStarted()
	logger = logger.With("run_id", run.ID)
	logger.InfoContext(ctx, "run started", "nodes", len(snap.ActiveNodes()))

	// 5. Open the account session once, every node gets its own page
	sess, err := r.sessions.Open(runCtx, account.TenantID, account.ID)
	if err != nil {
		r.finish(ctx, ar, run, nil, err, logger)
		return run, err
	}
	defer sess.Close()

	results := r.fanOut(runCtx, ar, sess, snap, run, logger)
	r.finish(ctx, ar, run, results, nil, logger)
	return run, nil
}

// stoppedSince reports whether the workflow was stopped after snap was
// requested. Stop requests land in the row before they are published, so
// checking after track leaves no gap.
func (r *Runner) stoppedSince(ctx context.Context, snap domain.StartWorkflowPayload) (bool, error) {
	if snap.RequestedAt.IsZero() {
		return false, nil
	}
	wf, err := r.workflows.GetByID(ctx, snap.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return wf.Status == domain.WorkflowStopped && wf.UpdatedAt.After(snap.RequestedAt), nil
}

func (r *Runner) fanOut(ctx context.Context, ar *activeRun, sess *session.Session, snap domain.StartWorkflowPayload, run *domain.WorkflowRun, logger *slog.Logger) []domain.NodeResult {
	nodes := snap.ActiveNodes()
	results := make([]domain.NodeResult, len(nodes))

	// errgroup without a context: one node failing must not cancel siblings
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, node := range nodes {
		g.Go(func() error {
			results[i] = r.runNode(ctx, ar, sess, snap, run, node, logger.With("node_id", node.ID))
			r.metrics.NodeFinished(string(results[i].Outcome))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) runNode(ctx context.Context, ar *activeRun, sess *session.Session, snap domain.StartWorkflowPayload, run *domain.WorkflowRun, node domain.NodeSnapshot, logger *slog.Logger) domain.NodeResult {
	res := domain.NodeResult{NodeID: node.ID}
	fail := func(err error) domain.NodeResult {
		if !ar.running() {
			res.Outcome = domain.NodeStopped
			return res
		}
		res.Outcome = domain.NodeFailed
		res.LastError = err.Error()
		logger.WarnContext(ctx, "node failed", "error", err)
		return res
	}
	if !ar.running() {
		res.Outcome = domain.NodeStopped
		return res
	}

	page, err := sess.NewPage(ctx)
	if err != nil {
		return fail(fmt.Errorf("open page: %w", err))
	}
	defer page.Close()

	// 1. Navigate, retrying transient failures
	res.Attempts, err = r.navigate(ctx, page, node.GroupURL, logger)
	if err != nil {
		return fail(err)
	}

	// 2. A login form means the stored session expired
	if r.cfg.LoginFormSelector != "" {
		wall, err := page.Exists(ctx, r.cfg.LoginFormSelector)
		if err != nil {
			return fail(err)
		}
		if wall {
			if err := r.accounts.UpdateStatus(context.WithoutCancel(ctx), snap.AccountID, domain.AccountLoginRequired); err != nil {
				logger.ErrorContext(ctx, "failed to flag account", "error", err)
			}
			return fail(fmt.Errorf("%w: %s shows the login form", domain.ErrLoginRequired, node.GroupURL))
		}
	}

	// 3. Consume the stream until the node budget runs out
	opts := discovery.Options{
		WorkflowID:  snap.ID,
		RunID:       run.ID,
		Keywords:    node.Keywords,
		IdleTimeout: r.cfg.NodeIdleTimeout,
	}
	if r.cfg.MaxNodeDuration > 0 {
		opts.Deadline = r.clock.Now().Add(r.cfg.MaxNodeDuration)
	}
	stream, err := r.discovery.Discover(page, node.GroupURL, opts)
	if err != nil {
		return fail(err)
	}

	for r.cfg.MaxItemsPerNode == 0 || res.Leads < r.cfg.MaxItemsPerNode {
		if !ar.running() {
			res.Outcome = domain.NodeStopped
			return res
		}
		item, err := stream.Next(ctx)
		if errors.Is(err, discovery.ErrIdle) || errors.Is(err, discovery.ErrDeadline) {
			logger.DebugContext(ctx, "node budget reached", "reason", err)
			break
		}
		if err != nil {
			return fail(err)
		}

		created, err := r.capture(ctx, snap, run, node, item)
		if err != nil {
			return fail(err)
		}
		if created {
			res.Leads++
		}
	}

	res.Outcome = domain.NodeSucceeded
	logger.InfoContext(ctx, "node finished", "leads", res.Leads)
	return res
}

// navigate opens url with NavTimeout per attempt and a linear back-off
// between attempts. It returns the number of attempts made.
func (r *Runner) navigate(ctx context.Context, page browser.Page, url string, logger *slog.Logger) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.NavAttempts; attempt++ {
		err := r.navigateOnce(ctx, page, url)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		lastErr = err
		logger.WarnContext(ctx, "navigation failed", "url", url, "attempt", attempt, "error", err)

		if attempt < r.cfg.NavAttempts {
			if err := r.clock.Sleep(ctx, time.Duration(attempt)*r.cfg.NavBackoff); err != nil {
				return attempt, err
			}
		}
	}
	return r.cfg.NavAttempts, fmt.Errorf("navigate to %s after %d attempts: %w", url, r.cfg.NavAttempts, lastErr)
}

func (r *Runner) navigateOnce(ctx context.Context, page browser.Page, url string) error {
	if r.cfg.NavTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.NavTimeout)
		defer cancel()
	}
	err := page.Navigate(ctx, url)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrNavigationTimeout) {
		err = fmt.Errorf("%w: %v", domain.ErrNavigationTimeout, err)
	}
	return err
}

// capture stores the item as a captured lead and announces it. A url seen
// in an earlier run is not an error, it just is not captured again.
func (r *Runner) capture(ctx context.Context, snap domain.StartWorkflowPayload, run *domain.WorkflowRun, node domain.NodeSnapshot, item discovery.Item) (bool, error) {
	lead := domain.NewLead(node.ID, run.ID, item.Fingerprint, item.URL)
	lead.Author = item.Author
	lead.Snippet = truncate(item.Text, snippetLength)
	lead.ArtifactKey = item.ArtifactKey

	err := r.leads.Create(ctx, lead)
	if errors.Is(err, domain.ErrDuplicate) {
		r.logger.DebugContext(ctx, "lead already known", "url", item.URL)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lead: %w", err)
	}
	r.metrics.LeadCaptured()

	if r.events != nil {
		event := domain.LeadCapturedEvent{LeadID: lead.ID, WorkflowID: snap.ID, NodeID: node.ID, RunID: run.ID}
		if err := r.events.PublishLeadCaptured(ctx, event); err != nil {
			r.logger.ErrorContext(ctx, "failed to publish lead", "lead_id", lead.ID, "error", err)
		}
	}
	return true, nil
}

// finish folds node results into the run and the workflow status.
func (r *Runner) finish(ctx context.Context, ar *activeRun, run *domain.WorkflowRun, results []domain.NodeResult, runErr error, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	for _, res := range results {
		switch res.Outcome {
		case domain.NodeSucceeded:
			run.NodesSucceeded++
		case domain.NodeFailed:
			run.NodesFailed++
		}
	}

	switch {
	case !ar.running():
		run.Status = domain.WorkflowStopped
	case runErr != nil:
		run.Status = domain.WorkflowFailed
		run.Error = runErr.Error()
	default:
		run.Status = domain.FinalRunStatus(run.NodesSucceeded, run.NodesFailed)
	}

	if results != nil {
		if raw, err := json.Marshal(results); err == nil {
			run.NodeResults = raw
		}
	}
	finished := r.clock.Now().UTC()
	run.FinishedAt = &finished

	if err := r.workflows.FinishRun(ctx, run); err != nil {
		logger.ErrorContext(ctx, "failed to record run result", "error", err)
	}
	if err := r.workflows.UpdateStatus(ctx, run.WorkflowID, run.Status); err != nil {
		logger.ErrorContext(ctx, "failed to update workflow status", "error", err)
	}
	r.metrics.RunFinished(string(run.Status))
	logger.InfoContext(ctx, "run finished",
		"status", run.Status, "nodes_succeeded", run.NodesSucceeded, "nodes_failed", run.NodesFailed)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
