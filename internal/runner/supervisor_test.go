package runner

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shiplane/shiplane/internal/command"
	"github.com/shiplane/shiplane/internal/events"
	"github.com/shiplane/shiplane/internal/health"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/store/memory"
)

// fakeRunner answers commands from canned responses and records what ran.
// It doubles as a Piper so it can stand in for the local build side.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	commands  []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		responses: make(map[string]string),
		errs:      make(map[string]error),
	}
}

func (r *fakeRunner) respond(substr, stdout string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[substr] = stdout
}

func (r *fakeRunner) fail(substr string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[substr] = err
}

func (r *fakeRunner) Run(ctx context.Context, cmd string) (*command.Result, error) {
	return r.RunWithInput(ctx, cmd, nil)
}

func (r *fakeRunner) RunWithInput(ctx context.Context, cmd string, input io.Reader) (*command.Result, error) {
	if input != nil {
		io.Copy(io.Discard, input)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	for substr, err := range r.errs {
		if strings.Contains(cmd, substr) {
			return nil, err
		}
	}
	for substr, stdout := range r.responses {
		if strings.Contains(cmd, substr) {
			return &command.Result{Command: cmd, Stdout: stdout}, nil
		}
	}
	return &command.Result{Command: cmd}, nil
}

func (r *fakeRunner) Pipe(ctx context.Context, cmd string) (io.ReadCloser, func() error, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	err := error(nil)
	for substr, e := range r.errs {
		if strings.Contains(cmd, substr) {
			err = e
		}
	}
	r.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(strings.NewReader("archive")), func() error { return nil }, nil
}

func (r *fakeRunner) saw(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

// harness wires a supervisor against in-memory everything plus a real
// HTTP health endpoint.
type harness struct {
	store      *memory.MemoryStore
	bus        *events.Bus
	supervisor *Supervisor
	local      *fakeRunner
	remote     *fakeRunner
	pipeline   *models.Pipeline
	healthSrv  *httptest.Server
}

type harnessOpts struct {
	healthStatus int
	remoteErr    error
	hasPrevious  bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	if opts.healthStatus == 0 {
		opts.healthStatus = http.StatusOK
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(opts.healthStatus)
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())

	st := memory.NewMemoryStore()
	bus := events.NewBus(st.Events(), nil)
	verifier := health.NewVerifier(2, time.Millisecond, time.Second, nil)

	local := newFakeRunner()
	remote := newFakeRunner()
	if opts.hasPrevious {
		remote.respond("docker ps --filter", "prev123\n")
		remote.respond("docker inspect", "my-app:run-00000000\n")
	}

	newRemote := func(target models.DeployTarget) (command.Runner, error) {
		if opts.remoteErr != nil {
			return nil, opts.remoteErr
		}
		return remote, nil
	}

	sup := NewSupervisor(st, bus, verifier, local, local, newRemote, Config{
		WorkDir: t.TempDir(),
	}, nil)

	pipeline := &models.Pipeline{
		ID:           "pipe-1",
		Name:         "my-app",
		RepoURL:      "https://example.com/my-app.git",
		Branch:       "main",
		BuildCommand: "make test",
		Target: models.DeployTarget{
			Host:          u.Hostname(),
			SSHPort:       22,
			User:          "deploy",
			ContainerName: "my-app",
			ImageName:     "my-app",
			HostPort:      port,
			ContainerPort: port,
			HealthPath:    "/",
		},
	}

	// Wait for in-flight runs to drain so the run goroutine stops writing
	// to the test's temp directories before they are removed.
	t.Cleanup(func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if _, active := sup.ActiveRun(pipeline.ID); !active {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	})

	return &harness{
		store:      st,
		bus:        bus,
		supervisor: sup,
		local:      local,
		remote:     remote,
		pipeline:   pipeline,
		healthSrv:  srv,
	}
}

func (h *harness) runToCompletion(t *testing.T) (*models.Run, []*models.Event) {
	t.Helper()

	runID, err := h.supervisor.Start(context.Background(), h.pipeline, "dev@example.com")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		run, err := h.store.Runs().Get(context.Background(), runID)
		if err != nil {
			t.Fatalf("Get run: %v", err)
		}
		if run.Status.Terminal() {
			history, err := h.bus.History(context.Background(), runID)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			return run, history
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s never reached a terminal state (status %s)", runID, run.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countEvents(history []*models.Event, typ models.EventType) int {
	n := 0
	for _, ev := range history {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestRunSucceedsEndToEnd(t *testing.T) {
	h := newHarness(t, harnessOpts{hasPrevious: true})

	run, history := h.runToCompletion(t)

	if run.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", run.Status, run.Error)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Error("terminal run should carry both timestamps")
	}

	if len(history) == 0 {
		t.Fatal("no events recorded")
	}
	if history[0].Type != models.EventRunStart {
		t.Errorf("first event = %s, want run_start", history[0].Type)
	}
	last := history[len(history)-1]
	if last.Type != models.EventRunSuccess {
		t.Errorf("last event = %s, want run_success", last.Type)
	}
	if got := countEvents(history, models.EventRunSuccess) + countEvents(history, models.EventRunFailed); got != 1 {
		t.Errorf("terminal event count = %d, want exactly 1", got)
	}
	if got := countEvents(history, models.EventStepSuccess); got != len(models.Steps) {
		t.Errorf("step_success count = %d, want %d", got, len(models.Steps))
	}
	if countEvents(history, models.EventRollbackStart) != 0 {
		t.Error("successful run should have no rollback events")
	}

	// The whole lifecycle ran against the hosts.
	if !h.local.saw("git clone") || !h.local.saw("make test") || !h.local.saw("docker build") {
		t.Errorf("local commands missing: %v", h.local.commands)
	}
	if !h.remote.saw("docker stop prev123") || !h.remote.saw("docker load") || !h.remote.saw("docker run -d") {
		t.Errorf("remote commands missing: %v", h.remote.commands)
	}
}

func TestRunWithoutBuildCommandSkipsBuild(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.pipeline.BuildCommand = ""

	run, history := h.runToCompletion(t)

	if run.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", run.Status, run.Error)
	}
	found := false
	for _, ev := range history {
		if ev.Type == models.EventLog && strings.Contains(ev.Message, "no build command") {
			found = true
		}
	}
	if !found {
		t.Error("skipped build should be logged")
	}
	if h.local.saw("make test") {
		t.Error("build command should not run when unset")
	}
}

func TestBuildFailureStopsBeforeRemote(t *testing.T) {
	h := newHarness(t, harnessOpts{hasPrevious: true})
	h.local.fail("make test", &command.CommandError{Command: "make test", ExitCode: 2, Stderr: "tests failed"})

	run, history := h.runToCompletion(t)

	if run.Status != models.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.Error, string(models.StepBuildAndTest)) {
		t.Errorf("run error = %q, want failing step named", run.Error)
	}

	if got := countEvents(history, models.EventStepFailed); got != 1 {
		t.Errorf("step_failed count = %d, want 1", got)
	}
	if countEvents(history, models.EventRollbackStart) != 0 {
		t.Error("failure before deploy must not trigger rollback")
	}
	if history[len(history)-1].Type != models.EventRunFailed {
		t.Errorf("last event = %s, want run_failed", history[len(history)-1].Type)
	}
	if h.remote.count() != 0 {
		t.Errorf("remote host should be untouched, saw %v", h.remote.commands)
	}
}

func TestRemoteConnectivityFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{
		remoteErr: &command.ConnectError{Addr: "10.0.0.1:22", Err: errors.New("connection refused")},
	})

	run, history := h.runToCompletion(t)

	if run.Status != models.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.Error, string(models.StepCleanupPrevious)) {
		t.Errorf("run error = %q, want cleanup step named", run.Error)
	}
	if countEvents(history, models.EventRollbackStart) != 0 {
		t.Error("connectivity failure before deploy must not trigger rollback")
	}
	// The failed step is reported, not retried.
	if got := countEvents(history, models.EventStepFailed); got != 1 {
		t.Errorf("step_failed count = %d, want 1", got)
	}
}

func TestHealthcheckFailureRollsBack(t *testing.T) {
	h := newHarness(t, harnessOpts{healthStatus: http.StatusInternalServerError, hasPrevious: true})

	run, history := h.runToCompletion(t)

	if run.Status != models.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if got := countEvents(history, models.EventRollbackStart); got != 1 {
		t.Fatalf("rollback_start count = %d, want 1", got)
	}
	if got := countEvents(history, models.EventRollbackSuccess); got != 1 {
		t.Errorf("rollback_success count = %d, want 1", got)
	}
	if history[len(history)-1].Type != models.EventRunFailed {
		t.Errorf("last event = %s, want run_failed after rollback", history[len(history)-1].Type)
	}
	if !strings.Contains(run.Error, "rolled back") {
		t.Errorf("run error = %q, want rollback outcome recorded", run.Error)
	}

	if !h.remote.saw("docker start prev123") {
		t.Errorf("previous container should be restarted, saw %v", h.remote.commands)
	}
	if h.remote.saw("docker rmi") {
		t.Error("rollback must not delete the new image")
	}
}

func TestHealthcheckFailureWithoutPreviousVersion(t *testing.T) {
	h := newHarness(t, harnessOpts{healthStatus: http.StatusInternalServerError, hasPrevious: false})

	run, history := h.runToCompletion(t)

	if run.Status != models.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if countEvents(history, models.EventRollbackStart) != 0 ||
		countEvents(history, models.EventRollbackFailed) != 0 {
		t.Error("no rollback events should appear without a rollback target")
	}
	if !strings.Contains(run.Error, "no previous version") {
		t.Errorf("run error = %q, want the skipped rollback explained", run.Error)
	}
	if h.remote.saw("docker start") {
		t.Error("nothing should be restarted without a rollback target")
	}
}

func TestRollbackFailureIsReported(t *testing.T) {
	h := newHarness(t, harnessOpts{healthStatus: http.StatusInternalServerError, hasPrevious: true})
	h.remote.fail("docker start", &command.CommandError{Command: "docker start prev123", ExitCode: 1})

	run, history := h.runToCompletion(t)

	if run.Status != models.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if got := countEvents(history, models.EventRollbackFailed); got != 1 {
		t.Errorf("rollback_failed count = %d, want 1", got)
	}
	if countEvents(history, models.EventRollbackSuccess) != 0 {
		t.Error("failed rollback must not also report success")
	}
	if !strings.Contains(run.Error, "rollback failed") {
		t.Errorf("run error = %q, want both causes surfaced", run.Error)
	}
	if history[len(history)-1].Type != models.EventRunFailed {
		t.Error("run must still terminate cleanly after a failed rollback")
	}
}

func TestSecondRunRejectedWhileActive(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	// Hold the run open by blocking the checkout step.
	release := make(chan struct{})
	h.supervisor.local = &gateRunner{inner: h.local, gate: release, on: "git clone"}

	firstID, err := h.supervisor.Start(context.Background(), h.pipeline, "dev@example.com")
	if err != nil {
		t.Fatalf("first Start() error = %v", err)
	}

	// Wait until the first run is actually executing.
	deadline := time.Now().Add(time.Second)
	for {
		if _, active := h.supervisor.ActiveRun(h.pipeline.ID); active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first run never became active")
		}
		time.Sleep(time.Millisecond)
	}

	secondID, err := h.supervisor.Start(context.Background(), h.pipeline, "dev@example.com")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	if secondID != firstID {
		t.Errorf("conflict should report the active run ID %s, got %s", firstID, secondID)
	}

	close(release)

	// After the first run finishes, a new run is accepted.
	deadline = time.Now().Add(10 * time.Second)
	for {
		if _, active := h.supervisor.ActiveRun(h.pipeline.ID); !active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first run never released the pipeline")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.supervisor.Start(context.Background(), h.pipeline, "dev@example.com"); err != nil {
		t.Fatalf("third Start() after completion = %v", err)
	}
}

func TestSubscribeImmediatelyAfterTriggerSeesWholeRun(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	// Stall checkout so the subscription attaches while the run goroutine
	// is still working; the observer must get a live feed, not the
	// terminated-run path.
	release := make(chan struct{})
	h.supervisor.local = &gateRunner{inner: h.local, gate: release, on: "git clone"}

	runID, err := h.supervisor.Start(context.Background(), h.pipeline, "dev@example.com")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	history, sub, err := h.bus.Subscribe(context.Background(), runID)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sub == nil {
		t.Fatal("subscribing to an in-flight run must return a live subscription")
	}

	close(release)

	seen := history
	for ev := range sub.Events() {
		seen = append(seen, ev)
	}

	if len(seen) == 0 {
		t.Fatal("observer received no events")
	}
	if seen[0].Type != models.EventRunStart {
		t.Errorf("first observed event = %s, want run_start", seen[0].Type)
	}
	if last := seen[len(seen)-1]; last.Type != models.EventRunSuccess {
		t.Errorf("last observed event = %s, want run_success", last.Type)
	}
	for i, ev := range seen {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("event %d has sequence %d, want %d", i, ev.Sequence, i+1)
		}
	}
}

// gateRunner blocks a matching command until the gate channel closes.
type gateRunner struct {
	inner *fakeRunner
	gate  chan struct{}
	on    string
}

func (g *gateRunner) Run(ctx context.Context, cmd string) (*command.Result, error) {
	if strings.Contains(cmd, g.on) {
		<-g.gate
	}
	return g.inner.Run(ctx, cmd)
}

func (g *gateRunner) RunWithInput(ctx context.Context, cmd string, input io.Reader) (*command.Result, error) {
	if strings.Contains(cmd, g.on) {
		<-g.gate
	}
	return g.inner.RunWithInput(ctx, cmd, input)
}
