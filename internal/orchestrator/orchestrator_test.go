package orchestrator

import (
	"agentd/internal/apperrors"
	"agentd/internal/job"
	"agentd/internal/notify"
	"agentd/internal/observability"
	"agentd/internal/project"
	"agentd/internal/provider"
	"agentd/internal/queue"
	"agentd/internal/store"
	"agentd/internal/testutil"
	"agentd/internal/usage"
	"agentd/internal/vcs"
	"agentd/pkg/backoff"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeVCS struct {
	mu       sync.Mutex
	repo     bool
	head     string
	diff     string
	commit   string
	log      []vcs.CommitInfo
	synced   int
	pushed   int
	messages []string
}

func (v *fakeVCS) IsRepo(context.Context, string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.repo
}

func (v *fakeVCS) CurrentCommit(context.Context, string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.head, nil
}

func (v *fakeVCS) Sync(context.Context, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.synced++
	return nil
}

func (v *fakeVCS) DiffSince(context.Context, string, string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.diff, nil
}

func (v *fakeVCS) CommitLog(context.Context, string, string) ([]vcs.CommitInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.log, nil
}

func (v *fakeVCS) Commit(_ context.Context, _ string, message string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.messages = append(v.messages, message)
	return v.commit, nil
}

func (v *fakeVCS) Push(context.Context, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pushed++
	return nil
}

type fixture struct {
	t       *testing.T
	cfg     Config
	project project.Project
	repo    *store.Memory
	queue   *queue.Manager
	fake    *provider.Fake
	vcs     *fakeVCS
	ledger  *usage.Memory
	events  *notify.Recorder
	orch    *Orchestrator
	seq     int

	mu     sync.Mutex
	killed []int
}

type option func(*fixture)

func withConfig(fn func(*Config)) option {
	return func(f *fixture) { fn(&f.cfg) }
}

func withProject(fn func(*project.Project)) option {
	return func(f *fixture) { fn(&f.project) }
}

func withLedger(l *usage.Memory) option {
	return func(f *fixture) { f.ledger = l }
}

func newFixture(t *testing.T, script provider.Script, opts ...option) *fixture {
	t.Helper()
	f := &fixture{
		t: t,
		cfg: Config{
			WorkerID:             "worker-1",
			MaxConcurrency:       2,
			PollInterval:         10 * time.Millisecond,
			MonitorInterval:      5 * time.Millisecond,
			HeartbeatInterval:    10 * time.Millisecond,
			StatusUpdateInterval: time.Millisecond,
			CancelGrace:          time.Second,
			FinalizeTimeout:      time.Second,
			RetryBackoff:         backoff.Config{Initial: time.Minute, Max: 10 * time.Minute},
		},
		project: project.Project{ID: "p1", WorkDir: t.TempDir()},
		repo:    store.NewMemory(),
		fake:    provider.NewFake("claude", script),
		vcs:     &fakeVCS{},
		ledger:  usage.NewMemory(nil),
		events:  &notify.Recorder{},
	}
	for _, opt := range opts {
		opt(f)
	}

	providers, err := provider.NewRegistry(nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	providers.Register(f.fake)

	projects, err := project.NewDirectory([]project.Project{f.project})
	if err != nil {
		t.Fatalf("NewDirectory() error = %v", err)
	}

	metrics, _, err := observability.NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	f.queue = queue.NewManager(f.repo, queue.Config{RequeueDelay: time.Minute})
	f.orch = New(f.cfg, Deps{
		Repo:      f.repo,
		Queue:     f.queue,
		Providers: providers,
		Projects:  projects,
		VCS:       f.vcs,
		Usage:     f.ledger,
		Notifier:  f.events,
		Metrics:   metrics,
	})
	f.orch.terminate = func(pid int, _ time.Duration) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.killed = append(f.killed, pid)
		return nil
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.orch.Shutdown(ctx)
	})
	return f
}

func (f *fixture) add(mutate ...func(*job.Job)) *job.Job {
	f.t.Helper()
	f.seq++
	j := &job.Job{
		ID:         fmt.Sprintf("job-%d", f.seq),
		Goal:       "Fix the failing build",
		Status:     job.StatusNew,
		ProjectID:  "p1",
		ProviderID: "claude",
		CreatedAt:  time.Now().Add(time.Duration(f.seq) * time.Millisecond),
		MaxRetries: 3,
		MaxCycles:  1,
		CycleMode:  job.CycleSingle,
	}
	for _, m := range mutate {
		m(j)
	}
	if err := f.repo.Create(context.Background(), j); err != nil {
		f.t.Fatalf("Create() error = %v", err)
	}
	return j
}

func (f *fixture) get(id string) *job.Job {
	f.t.Helper()
	j, err := f.repo.Get(context.Background(), id)
	if err != nil {
		f.t.Fatalf("Get(%s) error = %v", id, err)
	}
	return j
}

func (f *fixture) execute(id string) {
	f.t.Helper()
	if err := f.orch.Execute(context.Background(), id); err != nil {
		f.t.Fatalf("Execute(%s) error = %v", id, err)
	}
}

// executeAsync runs Execute in the background and returns its result channel.
func (f *fixture) executeAsync(id string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.orch.Execute(context.Background(), id) }()
	return done
}

func (f *fixture) waitStatus(id string, status job.Status) {
	f.t.Helper()
	testutil.MustWaitFor(f.t, func() bool {
		j, err := f.repo.Get(context.Background(), id)
		return err == nil && j.Status == status
	}, testutil.WithTimeout(5*time.Second))
}

func (f *fixture) wait(done <-chan error) {
	f.t.Helper()
	select {
	case err := <-done:
		if err != nil {
			f.t.Fatalf("Execute() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		f.t.Fatal("Execute() did not return")
	}
}

func (f *fixture) killedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.killed)
}

// blockUntilCancelled reports a process and output, then waits for ctx.
func blockUntilCancelled(ctx context.Context, _ int, _ string, _ provider.Options, progress chan<- provider.Progress) (*provider.Result, error) {
	provider.Emit(ctx, progress, provider.Progress{ProcessID: 4321})
	provider.Emit(ctx, progress, provider.Progress{OutputLine: "Reading the repository layout"})
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecute_SingleCycleSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(ctx context.Context, _ int, _ string, _ provider.Options, progress chan<- provider.Progress) (*provider.Result, error) {
		provider.Emit(ctx, progress, provider.Progress{ProcessID: 1234})
		provider.Emit(ctx, progress, provider.Progress{ToolName: "Bash"})
		provider.Emit(ctx, progress, provider.Progress{OutputLine: "Running go test ./..."})
		provider.Emit(ctx, progress, provider.Progress{OutputLine: "ok  all packages"})
		return &provider.Result{
			Success:      true,
			SessionID:    "sess-1",
			Output:       "ok  all packages",
			InputTokens:  100,
			OutputTokens: 40,
			CostUSD:      0.12,
			Messages:     []provider.Message{{Role: "assistant", Content: "The build is fixed."}},
		}, nil
	})
	j := f.add()

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("Status = %s, want completed (error %q)", got.Status, got.Error)
	}
	if got.WorkerID != "" || got.ProcessID != 0 || got.CompletedAt == nil {
		t.Errorf("terminal fields not reset: worker=%q pid=%d", got.WorkerID, got.ProcessID)
	}
	if !strings.Contains(got.Output, "Running go test ./...\nok  all packages") {
		t.Errorf("Output = %q", got.Output)
	}
	if got.InputTokens != 100 || got.OutputTokens != 40 || got.CostUSD != 0.12 || got.SessionID != "sess-1" {
		t.Errorf("usage = %d/%d/%v session %q", got.InputTokens, got.OutputTokens, got.CostUSD, got.SessionID)
	}
	if got.CurrentCycle != 1 || got.RetryCount != 0 || got.Error != "" {
		t.Errorf("CurrentCycle = %d RetryCount = %d Error = %q", got.CurrentCycle, got.RetryCount, got.Error)
	}

	msgs, err := f.repo.Messages(context.Background(), j.ID)
	if err != nil || len(msgs) != 1 || msgs[0].Content != "The build is fixed." {
		t.Errorf("Messages() = %+v, %v", msgs, err)
	}

	opts := f.fake.Options()
	if len(opts) != 1 || opts[0].JobID != j.ID || opts[0].WorkDir != f.project.WorkDir || opts[0].SessionID != "" {
		t.Errorf("Options() = %+v", opts)
	}
	if f.fake.Prompts()[0] != j.Goal {
		t.Errorf("Prompt = %q", f.fake.Prompts()[0])
	}

	if f.events.Count(job.EventTypeCompleted) != 1 {
		t.Errorf("completed events = %d, want 1", f.events.Count(job.EventTypeCompleted))
	}
	if f.events.Count(job.EventTypeStatus) < 3 {
		t.Errorf("status events = %v", f.events.Types())
	}
	if f.events.Count(job.EventTypeMessage) != 2 || f.events.Count(job.EventTypeActivity) == 0 {
		t.Errorf("events = %v", f.events.Types())
	}
	if len(f.orch.Running()) != 0 {
		t.Errorf("Running() = %v after finish", f.orch.Running())
	}
}

func TestExecute_AutonomousStopsAtMarker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(_ context.Context, call int, _ string, _ provider.Options, _ chan<- provider.Progress) (*provider.Result, error) {
		if call == 2 {
			return &provider.Result{Success: true, SessionID: "sess-1", Output: "Done. " + DefaultCompletionMarker}, nil
		}
		return &provider.Result{Success: true, SessionID: "sess-1", Output: "Made progress"}, nil
	})
	j := f.add(func(j *job.Job) {
		j.CycleMode = job.CycleAutonomous
		j.MaxCycles = 5
		j.ContinueSession = true
	})

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusCompleted || got.CurrentCycle != 2 {
		t.Fatalf("Status = %s CurrentCycle = %d", got.Status, got.CurrentCycle)
	}
	if f.fake.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", f.fake.Calls())
	}

	prompts := f.fake.Prompts()
	if !strings.HasPrefix(prompts[0], j.Goal) || !strings.Contains(prompts[0], DefaultCompletionMarker) {
		t.Errorf("first prompt = %q", prompts[0])
	}
	if !strings.HasPrefix(prompts[1], DefaultContinuePrompt) {
		t.Errorf("second prompt = %q", prompts[1])
	}
	opts := f.fake.Options()
	if opts[0].SessionID != "" || opts[1].SessionID != "sess-1" {
		t.Errorf("sessions = %q, %q", opts[0].SessionID, opts[1].SessionID)
	}
}

func TestExecute_AutonomousRunsAllCyclesWithoutMarker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(context.Context, int, string, provider.Options, chan<- provider.Progress) (*provider.Result, error) {
		return &provider.Result{Success: true, Output: "still working", InputTokens: 10, OutputTokens: 5}, nil
	})
	j := f.add(func(j *job.Job) {
		j.CycleMode = job.CycleAutonomous
		j.MaxCycles = 3
	})

	f.execute(j.ID)

	got := f.get(j.ID)
	if f.fake.Calls() != 3 || got.CurrentCycle != 3 || got.Status != job.StatusCompleted {
		t.Fatalf("Calls() = %d CurrentCycle = %d Status = %s", f.fake.Calls(), got.CurrentCycle, got.Status)
	}
	if got.InputTokens != 30 || got.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 30/15", got.InputTokens, got.OutputTokens)
	}
	// Without session continuation the goal is repeated.
	if p := f.fake.Prompts()[2]; !strings.HasPrefix(p, j.Goal+"\n\n"+DefaultContinuePrompt) {
		t.Errorf("third prompt = %q", p)
	}
}

func TestExecute_ContinuationPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(context.Context, int, string, provider.Options, chan<- provider.Progress) (*provider.Result, error) {
		return &provider.Result{Success: true, Output: DefaultCompletionMarker}, nil
	})
	j := f.add(func(j *job.Job) {
		j.CycleMode = job.CycleContinuation
		j.MaxCycles = 2
		j.ContinuationPrompt = "Now add tests."
		j.ContinueSession = true
	})

	f.execute(j.ID)

	// The marker only ends autonomous jobs.
	if f.fake.Calls() != 2 {
		t.Fatalf("Calls() = %d, want 2", f.fake.Calls())
	}
	if p := f.fake.Prompts()[1]; p != "Now add tests." {
		t.Errorf("continuation prompt = %q", p)
	}
}

func TestExecute_CancelRequestedWhileRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockUntilCancelled)
	j := f.add()

	done := f.executeAsync(j.ID)
	f.waitStatus(j.ID, job.StatusProcessing)

	if _, err := f.repo.RequestCancel(context.Background(), j.ID, time.Now()); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	f.wait(done)

	got := f.get(j.ID)
	if got.Status != job.StatusCancelled || got.Error != "cancelled by user" {
		t.Errorf("Status = %s Error = %q", got.Status, got.Error)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", got.RetryCount)
	}
	if f.events.Count(job.EventTypeCompleted) != 1 {
		t.Errorf("events = %v", f.events.Types())
	}
}

func TestExecute_CancelKillsUnresponsiveAgent(t *testing.T) {
	t.Parallel()
	killed := make(chan struct{})
	var once sync.Once
	f := newFixture(t, func(ctx context.Context, _ int, _ string, _ provider.Options, progress chan<- provider.Progress) (*provider.Result, error) {
		provider.Emit(ctx, progress, provider.Progress{ProcessID: 77})
		<-killed
		return nil, errors.New("signal: killed")
	}, withConfig(func(c *Config) { c.CancelGrace = 20 * time.Millisecond }))
	f.orch.terminate = func(pid int, _ time.Duration) error {
		f.mu.Lock()
		f.killed = append(f.killed, pid)
		f.mu.Unlock()
		once.Do(func() { close(killed) })
		return nil
	}
	j := f.add()

	done := f.executeAsync(j.ID)
	testutil.MustWaitFor(t, func() bool { return f.get(j.ID).ProcessID == 77 })
	_, _ = f.repo.RequestCancel(context.Background(), j.ID, time.Now())
	f.wait(done)

	if pids := f.killedPIDs(); !slices.Equal(pids, []int{77}) {
		t.Errorf("killed = %v, want [77]", pids)
	}
	if got := f.get(j.ID); got.Status != job.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	j := f.add()
	if _, err := f.repo.RequestCancel(context.Background(), j.ID, time.Now()); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}

	f.execute(j.ID)

	if got := f.get(j.ID); got.Status != job.StatusCancelled {
		t.Errorf("Status = %s, want cancelled", got.Status)
	}
	if f.fake.Calls() != 0 {
		t.Errorf("Calls() = %d, want 0", f.fake.Calls())
	}
}

func TestExecute_RejectsJobNotWaiting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	j := f.add(func(j *job.Job) { j.Status = job.StatusCompleted })

	err := f.orch.Execute(context.Background(), j.ID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("Execute() error = %v, want conflict", err)
	}
}

func TestExecute_RefusesSecondJobInBusyProject(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockUntilCancelled)
	first := f.add()
	second := f.add()

	f.executeAsync(first.ID)
	f.waitStatus(first.ID, job.StatusProcessing)

	err := f.orch.Execute(context.Background(), second.ID)
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("Execute() error = %v, want conflict", err)
	}
	if got := f.get(second.ID); got.Status != job.StatusNew || got.WorkerID != "" || got.RetryCount != 0 {
		t.Errorf("second job = status %s worker %q retries %d", got.Status, got.WorkerID, got.RetryCount)
	}
	if f.fake.Calls() != 1 {
		t.Errorf("Calls() = %d, want 1", f.fake.Calls())
	}
}

func TestExecute_ConcurrentClaimsInOneProject(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockUntilCancelled, withConfig(func(c *Config) { c.MaxConcurrency = 4 }))
	var ids []string
	for range 4 {
		ids = append(ids, f.add().ID)
	}

	for _, id := range ids {
		f.executeAsync(id)
	}

	running := func() int {
		jobs, err := f.repo.List(context.Background(), job.Filter{ProjectID: "p1", Statuses: []job.Status{job.StatusProcessing}})
		if err != nil {
			t.Fatal(err)
		}
		return len(jobs)
	}
	testutil.MustStayFalse(t, func() bool { return running() > 1 }, 300*time.Millisecond)
	if f.fake.Calls() > 1 {
		t.Errorf("Calls() = %d, want at most 1", f.fake.Calls())
	}
}

// answerOrWait prints a permission prompt and waits for the answer.
func answerOrWait(ctx context.Context, _ int, _ string, opts provider.Options, progress chan<- provider.Progress) (*provider.Result, error) {
	provider.Emit(ctx, progress, provider.Progress{OutputLine: "Do you want to allow this action? [y/n]"})
	select {
	case answer := <-opts.Input:
		return &provider.Result{Success: true, Output: "answered " + answer}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestExecute_PauseAndResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answerOrWait)
	j := f.add()

	if err := f.orch.Resume(context.Background(), j.ID, "y"); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Resume() before start error = %v, want unavailable", err)
	}

	done := f.executeAsync(j.ID)
	f.waitStatus(j.ID, job.StatusPaused)

	paused := f.get(j.ID)
	if paused.InteractionPrompt != "Do you want to allow this action?" {
		t.Errorf("InteractionPrompt = %q", paused.InteractionPrompt)
	}
	if !slices.Equal(paused.InteractionChoices, []string{"y", "n"}) || paused.PausedAt == nil {
		t.Errorf("InteractionChoices = %v PausedAt = %v", paused.InteractionChoices, paused.PausedAt)
	}
	if f.events.Count(job.EventTypeInteraction) != 1 {
		t.Errorf("interaction events = %d, want 1", f.events.Count(job.EventTypeInteraction))
	}

	if err := f.orch.Resume(context.Background(), j.ID, "y"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if err := f.orch.Resume(context.Background(), j.ID, "y"); err != nil && !errors.Is(err, apperrors.ErrConflict) && !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("second Resume() error = %v", err)
	}
	f.wait(done)

	got := f.get(j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("Status = %s (error %q)", got.Status, got.Error)
	}
	if got.InteractionPrompt != "" || got.PausedAt != nil {
		t.Errorf("interaction not cleared: %q", got.InteractionPrompt)
	}
}

func TestExecute_PromptFromProviderWithoutInput(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, _ int, _ string, opts provider.Options, progress chan<- provider.Progress) (*provider.Result, error) {
		if opts.Input != nil {
			return nil, errors.New("input channel handed to a provider without input")
		}
		provider.Emit(ctx, progress, provider.Progress{OutputLine: "Do you want to allow this action? [y/n]"})
		select {
		case <-release:
			return &provider.Result{Success: true, Output: "carried on"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, withConfig(func(c *Config) { c.AutoRespond = true }))
	f.fake.SetAcceptsInput(false)
	j := f.add()

	done := f.executeAsync(j.ID)
	testutil.MustWaitFor(t, func() bool {
		return strings.HasPrefix(f.get(j.ID).Activity, "Prompted: Do you want to allow this action?")
	})

	if got := f.get(j.ID); got.Status != job.StatusProcessing || got.PausedAt != nil {
		t.Errorf("Status = %s PausedAt = %v, want processing", got.Status, got.PausedAt)
	}
	if err := f.orch.Resume(context.Background(), j.ID, "y"); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Resume() error = %v, want unavailable", err)
	}
	close(release)
	f.wait(done)

	if got := f.get(j.ID); got.Status != job.StatusCompleted {
		t.Errorf("Status = %s (error %q)", got.Status, got.Error)
	}
	if f.events.Count(job.EventTypeInteraction) != 0 {
		t.Errorf("interaction events = %d, want 0", f.events.Count(job.EventTypeInteraction))
	}
}

func TestExecute_AutoRespond(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answerOrWait, withConfig(func(c *Config) { c.AutoRespond = true }))
	j := f.add()

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusCompleted || got.PausedAt != nil {
		t.Fatalf("Status = %s PausedAt = %v", got.Status, got.PausedAt)
	}
	if f.events.Count(job.EventTypeInteraction) != 0 {
		t.Errorf("interaction events = %d, want 0", f.events.Count(job.EventTypeInteraction))
	}
	answered := false
	for _, e := range f.events.Events() {
		if e.Type == job.EventTypeActivity && strings.HasPrefix(fmt.Sprint(e.Data["activity"]), "Answered:") {
			answered = true
		}
	}
	if !answered {
		t.Error("Expected an activity event for the automatic answer")
	}
}

func TestExecute_TransientFailureRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(context.Context, int, string, provider.Options, chan<- provider.Progress) (*provider.Result, error) {
		return nil, errors.New("connection reset by peer")
	})
	j := f.add()
	start := time.Now()

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusNew || got.RetryCount != 1 || got.Error != "connection reset by peer" {
		t.Fatalf("Status = %s RetryCount = %d Error = %q", got.Status, got.RetryCount, got.Error)
	}
	if got.WorkerID != "" || got.StartedAt != nil {
		t.Errorf("execution fields not cleared: worker=%q", got.WorkerID)
	}
	if got.NotBefore == nil {
		t.Fatal("Expected NotBefore to delay the retry")
	}
	if delay := got.NotBefore.Sub(start); delay < 47*time.Second || delay > 73*time.Second {
		t.Errorf("retry delay = %v, want about 1m", delay)
	}
}

func TestExecute_CancelDuringFailureIsNotRequeued(t *testing.T) {
	t.Parallel()
	var f *fixture
	f = newFixture(t, func(ctx context.Context, _ int, _ string, _ provider.Options, _ chan<- provider.Progress) (*provider.Result, error) {
		if _, err := f.repo.RequestCancel(ctx, "job-1", time.Now()); err != nil {
			return nil, err
		}
		return nil, errors.New("connection reset by peer")
	})
	j := f.add()

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusCancelled || got.RetryCount != 0 {
		t.Fatalf("Status = %s RetryCount = %d cancel=%v, want cancelled without retry", got.Status, got.RetryCount, got.CancelRequested)
	}
	if got.Error != "cancelled by user" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestExecute_ProviderFailureResultRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(context.Context, int, string, provider.Options, chan<- provider.Progress) (*provider.Result, error) {
		return &provider.Result{Success: false, ExitCode: 1}, nil
	})
	j := f.add()

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusNew || got.Error != "provider claude reported failure" {
		t.Errorf("Status = %s Error = %q", got.Status, got.Error)
	}
}

func TestExecute_RetriesExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(context.Context, int, string, provider.Options, chan<- provider.Progress) (*provider.Result, error) {
		return nil, errors.New("boom")
	})
	j := f.add(func(j *job.Job) {
		j.MaxRetries = 2
		j.RetryCount = 2
	})

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusFailed || got.Error != "boom (retries exhausted after 3 attempts)" {
		t.Errorf("Status = %s Error = %q", got.Status, got.Error)
	}
}

func TestExecute_PreflightFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, withConfig(func(c *Config) { c.BreakerThreshold = 1 }))
	f.fake.SetConnectionError(errors.New("claude: command not found"))
	first := f.add()
	second := f.add()

	f.execute(first.ID)
	f.execute(second.ID)

	if got := f.get(first.ID); got.Status != job.StatusFailed || !strings.Contains(got.Error, "command not found") {
		t.Errorf("first: Status = %s Error = %q", got.Status, got.Error)
	}
	if got := f.get(second.ID); got.Status != job.StatusFailed || !strings.Contains(got.Error, "next check after") {
		t.Errorf("second: Status = %s Error = %q", got.Status, got.Error)
	}
	if f.fake.Calls() != 0 {
		t.Errorf("Calls() = %d, want 0", f.fake.Calls())
	}
}

func TestExecute_ProviderNotUsable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	missing := f.add(func(j *job.Job) { j.ProviderID = "ghost" })
	f.execute(missing.ID)
	if got := f.get(missing.ID); got.Status != job.StatusFailed || !strings.Contains(got.Error, "not configured") {
		t.Errorf("missing: Status = %s Error = %q", got.Status, got.Error)
	}

	f.fake.SetUnavailable("not logged in")
	down := f.add()
	f.execute(down.ID)
	if got := f.get(down.ID); got.Status != job.StatusFailed || !strings.Contains(got.Error, "not logged in") {
		t.Errorf("unavailable: Status = %s Error = %q", got.Status, got.Error)
	}
}

func TestExecute_UsageExhausted(t *testing.T) {
	t.Parallel()
	ledger := usage.NewMemory(map[string]usage.Limits{"claude": {DailyCostUSD: 1}})
	_ = ledger.RecordUsage(context.Background(), "claude", "earlier", &provider.Result{CostUSD: 2})
	f := newFixture(t, nil, withLedger(ledger))
	j := f.add()

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusFailed || !strings.Contains(got.Error, "daily budget") {
		t.Errorf("Status = %s Error = %q", got.Status, got.Error)
	}
	if f.fake.Calls() != 0 {
		t.Errorf("Calls() = %d, want 0", f.fake.Calls())
	}
	if f.events.Count(job.EventTypeUsageWarning) != 1 {
		t.Errorf("usage warnings = %d, want 1", f.events.Count(job.EventTypeUsageWarning))
	}
}

func TestExecute_ReportedUsageLimitFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(context.Context, int, string, provider.Options, chan<- provider.Progress) (*provider.Result, error) {
		return &provider.Result{
			Success:             false,
			Error:               "Claude usage limit reached",
			DetectedUsageLimits: []provider.UsageLimit{{Message: "usage limit reached", ResetsAt: time.Now().Add(2 * time.Hour)}},
		}, nil
	})
	j := f.add()

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusFailed || got.Error != "Claude usage limit reached" {
		t.Errorf("Status = %s Error = %q", got.Status, got.Error)
	}
	if f.events.Count(job.EventTypeUsageWarning) != 1 {
		t.Errorf("usage warnings = %d, want 1", f.events.Count(job.EventTypeUsageWarning))
	}
	if w, _ := f.ledger.CheckExhaustion(context.Background(), "claude"); w == nil || w.Kind != usage.KindReported {
		t.Errorf("CheckExhaustion() = %+v, want reported block", w)
	}
}

func TestExecute_ShutdownRequeuesWithoutRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockUntilCancelled)
	j := f.add()

	done := f.executeAsync(j.ID)
	f.waitStatus(j.ID, job.StatusProcessing)
	testutil.MustWaitFor(t, func() bool { return f.events.Count(job.EventTypeHeartbeat) > 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	f.wait(done)

	got := f.get(j.ID)
	if got.Status != job.StatusNew || got.RetryCount != 0 || got.Error != "interrupted by worker shutdown" {
		t.Errorf("Status = %s RetryCount = %d Error = %q", got.Status, got.RetryCount, got.Error)
	}
	if got.NotBefore != nil {
		t.Errorf("NotBefore = %v, want immediate reschedule", got.NotBefore)
	}

	other := f.add()
	if err := f.orch.Execute(context.Background(), other.ID); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Errorf("Execute() after shutdown error = %v, want unavailable", err)
	}
}

func TestExecute_CapturesChangesAndCommits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, withProject(func(p *project.Project) {
		p.SyncBeforeRun = true
		p.AutoCommit = true
		p.AutoPush = true
	}))
	f.vcs.repo = true
	f.vcs.head = "base123"
	f.vcs.diff = "diff --git a/main.go b/main.go"
	f.vcs.commit = "abc123"
	j := f.add()

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusCompleted {
		t.Fatalf("Status = %s (error %q)", got.Status, got.Error)
	}
	if got.BaseRevision != "base123" || got.Diff != f.vcs.diff || got.CommitHash != "abc123" {
		t.Errorf("vcs fields = %q %q %q", got.BaseRevision, got.Diff, got.CommitHash)
	}
	if f.vcs.synced != 1 || f.vcs.pushed != 1 {
		t.Errorf("synced = %d pushed = %d", f.vcs.synced, f.vcs.pushed)
	}
	if len(f.vcs.messages) != 1 || !strings.HasPrefix(f.vcs.messages[0], j.Goal) {
		t.Errorf("commit messages = %q", f.vcs.messages)
	}
}

func TestExecute_FailedJobKeepsDiffWithoutCommit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(context.Context, int, string, provider.Options, chan<- provider.Progress) (*provider.Result, error) {
		return nil, errors.New("agent crashed")
	}, withProject(func(p *project.Project) { p.AutoCommit = true }))
	f.vcs.repo = true
	f.vcs.head = "base123"
	f.vcs.diff = "diff --git a/half.go b/half.go"
	f.vcs.log = []vcs.CommitInfo{{Hash: "agent2"}, {Hash: "agent1"}}
	j := f.add(func(j *job.Job) { j.MaxRetries = 1; j.RetryCount = 1 })

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusFailed {
		t.Fatalf("Status = %s", got.Status)
	}
	if got.Diff != f.vcs.diff || got.CommitHash != "agent2" {
		t.Errorf("Diff = %q CommitHash = %q", got.Diff, got.CommitHash)
	}
	if len(f.vcs.messages) != 0 {
		t.Errorf("Expected no auto-commit for a failed job, got %q", f.vcs.messages)
	}
}

func TestExecute_TimeBudgetExceeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockUntilCancelled)
	j := f.add(func(j *job.Job) { j.MaxDuration = 30 * time.Millisecond })

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusFailed || got.Error != string(job.ReasonTimeBudget) {
		t.Errorf("Status = %s Error = %q", got.Status, got.Error)
	}
}

func TestExecute_SuccessPatternCompletes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(ctx context.Context, _ int, _ string, _ provider.Options, progress chan<- provider.Progress) (*provider.Result, error) {
		provider.Emit(ctx, progress, provider.Progress{OutputLine: "ALL TESTS PASSED"})
		<-ctx.Done()
		return nil, ctx.Err()
	}, withConfig(func(c *Config) { c.Criteria.SuccessPattern = regexp.MustCompile(`ALL TESTS PASSED`) }))
	j := f.add()

	f.execute(j.ID)

	if got := f.get(j.ID); got.Status != job.StatusCompleted || got.Error != "" {
		t.Errorf("Status = %s Error = %q", got.Status, got.Error)
	}
}

func TestExecute_StallRequeues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(ctx context.Context, _ int, _ string, _ provider.Options, _ chan<- provider.Progress) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, withConfig(func(c *Config) { c.Criteria.StallTimeout = 30 * time.Millisecond }))
	j := f.add()

	f.execute(j.ID)

	got := f.get(j.ID)
	if got.Status != job.StatusNew || got.RetryCount != 1 || got.Error != string(job.ReasonStalled) {
		t.Errorf("Status = %s RetryCount = %d Error = %q", got.Status, got.RetryCount, got.Error)
	}
}

func TestExecute_LostOwnershipLeavesJobAlone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, blockUntilCancelled)
	j := f.add()

	done := f.executeAsync(j.ID)
	f.waitStatus(j.ID, job.StatusProcessing)

	testutil.MustWaitFor(t, func() bool {
		stolen := f.get(j.ID)
		stolen.WorkerID = "worker-2"
		return f.repo.Save(context.Background(), stolen) == nil
	})
	f.wait(done)

	got := f.get(j.ID)
	if got.WorkerID != "worker-2" || got.Status != job.StatusProcessing {
		t.Errorf("WorkerID = %q Status = %s, want untouched", got.WorkerID, got.Status)
	}
	if f.events.Count(job.EventTypeCompleted) != 0 {
		t.Errorf("events = %v", f.events.Types())
	}
}

func TestRun_DispatchesWaitingJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	first := f.add()
	second := f.add(func(j *job.Job) { j.Priority = 5 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.orch.Run(ctx) }()
	f.orch.Trigger()

	for _, id := range []string{first.ID, second.ID} {
		f.waitStatus(id, job.StatusCompleted)
	}
	if f.fake.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", f.fake.Calls())
	}
	if f.orch.WorkerID() != "worker-1" {
		t.Errorf("WorkerID() = %q", f.orch.WorkerID())
	}
}
