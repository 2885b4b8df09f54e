package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shiplane/shiplane/internal/api/middleware"
	"github.com/shiplane/shiplane/internal/command"
	"github.com/shiplane/shiplane/internal/events"
	"github.com/shiplane/shiplane/internal/health"
	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/runner"
	"github.com/shiplane/shiplane/internal/store/memory"
)

// okRunner answers every command successfully. gate, when set, blocks
// matching commands until the channel closes, keeping a run in flight.
type okRunner struct {
	gate chan struct{}
	on   string
}

func (r *okRunner) Run(ctx context.Context, cmd string) (*command.Result, error) {
	return r.RunWithInput(ctx, cmd, nil)
}

func (r *okRunner) RunWithInput(ctx context.Context, cmd string, input io.Reader) (*command.Result, error) {
	if input != nil {
		io.Copy(io.Discard, input)
	}
	if r.gate != nil && strings.Contains(cmd, r.on) {
		<-r.gate
	}
	return &command.Result{Command: cmd}, nil
}

func (r *okRunner) Pipe(ctx context.Context, cmd string) (io.ReadCloser, func() error, error) {
	return io.NopCloser(strings.NewReader("")), func() error { return nil }, nil
}

type testEnv struct {
	store  *memory.MemoryStore
	router chi.Router
	gate   chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := memory.NewMemoryStore()
	bus := events.NewBus(st.Events(), nil)
	verifier := health.NewVerifier(1, time.Millisecond, 50*time.Millisecond, nil)

	gate := make(chan struct{})
	local := &okRunner{gate: gate, on: "git clone"}
	newRemote := func(target models.DeployTarget) (command.Runner, error) {
		return &okRunner{}, nil
	}
	sup := runner.NewSupervisor(st, bus, verifier, local, local, newRemote, runner.Config{
		WorkDir: t.TempDir(),
	}, nil)

	logger := slog.Default()
	h := NewPipelineHandler(st, sup, t.TempDir(), logger)

	r := chi.NewRouter()
	// Inject a dev identity the way the auth middleware would.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			user := &models.User{ID: "u1", Email: "dev@example.com", Role: models.RoleDev}
			next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), middleware.UserKey, user)))
		})
	})
	r.Post("/v1/pipelines", h.Create)
	r.Get("/v1/pipelines", h.List)
	r.Get("/v1/pipelines/{pipelineID}", h.Get)
	r.Delete("/v1/pipelines/{pipelineID}", h.Delete)
	r.Post("/v1/pipelines/{pipelineID}/runs", h.TriggerRun)
	r.Get("/v1/pipelines/{pipelineID}/runs", h.ListRuns)

	env := &testEnv{store: st, router: r, gate: gate}
	t.Cleanup(func() {
		select {
		case <-gate:
		default:
			close(gate)
		}
		// Wait for in-flight runs to drain so the run goroutine stops
		// writing to the test's temp directories before they are removed.
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			pipelines, err := st.Pipelines().List(context.Background())
			if err != nil {
				return
			}
			busy := false
			for _, p := range pipelines {
				if _, active := sup.ActiveRun(p.ID); active {
					busy = true
					break
				}
			}
			if !busy {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	})
	return env
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func validPipelineRequest() PipelineRequest {
	return PipelineRequest{
		Name:    "My App",
		RepoURL: "https://example.com/my-app.git",
		Target: models.DeployTarget{
			Host:     "10.0.0.1",
			User:     "deploy",
			HostPort: 8080,
		},
	}
}

func TestCreatePipeline(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("POST", "/v1/pipelines", validPipelineRequest())
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rr.Code, rr.Body)
	}

	var created models.Pipeline
	if err := json.NewDecoder(rr.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Error("created pipeline should have an ID")
	}
	if created.Branch != "main" {
		t.Errorf("Branch = %q, want normalized default", created.Branch)
	}
	if created.Target.ContainerName != "my-app" {
		t.Errorf("ContainerName = %q, want slug of name", created.Target.ContainerName)
	}
	if created.CreatedBy != "dev@example.com" {
		t.Errorf("CreatedBy = %q", created.CreatedBy)
	}
}

func TestCreatePipelineValidation(t *testing.T) {
	env := newTestEnv(t)

	req := validPipelineRequest()
	req.RepoURL = ""
	rr := env.do("POST", "/v1/pipelines", req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestCreatePipelineDuplicateName(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do("POST", "/v1/pipelines", validPipelineRequest()); rr.Code != http.StatusCreated {
		t.Fatalf("first create = %d", rr.Code)
	}
	if rr := env.do("POST", "/v1/pipelines", validPipelineRequest()); rr.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", rr.Code)
	}
}

func TestGetPipelineNotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("GET", "/v1/pipelines/nonexistent", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestTriggerRunConflictWhileActive(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("POST", "/v1/pipelines", validPipelineRequest())
	var created models.Pipeline
	json.NewDecoder(rr.Body).Decode(&created)

	first := env.do("POST", "/v1/pipelines/"+created.ID+"/runs", nil)
	if first.Code != http.StatusCreated {
		t.Fatalf("first trigger = %d: %s", first.Code, first.Body)
	}
	var firstResp map[string]string
	json.NewDecoder(first.Body).Decode(&firstResp)
	if firstResp["run_id"] == "" {
		t.Fatal("first trigger should return a run_id")
	}

	// The run is gated at checkout, so it is still in flight.
	second := env.do("POST", "/v1/pipelines/"+created.ID+"/runs", nil)
	if second.Code != http.StatusConflict {
		t.Fatalf("second trigger = %d, want 409", second.Code)
	}
	var secondResp map[string]string
	json.NewDecoder(second.Body).Decode(&secondResp)
	if secondResp["run_id"] != firstResp["run_id"] {
		t.Errorf("conflict should name the active run: got %q, want %q",
			secondResp["run_id"], firstResp["run_id"])
	}
}

func TestDeletePipelineWithActiveRun(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("POST", "/v1/pipelines", validPipelineRequest())
	var created models.Pipeline
	json.NewDecoder(rr.Body).Decode(&created)

	if rr := env.do("POST", "/v1/pipelines/"+created.ID+"/runs", nil); rr.Code != http.StatusCreated {
		t.Fatalf("trigger = %d", rr.Code)
	}

	if rr := env.do("DELETE", "/v1/pipelines/"+created.ID, nil); rr.Code != http.StatusConflict {
		t.Errorf("delete with active run = %d, want 409", rr.Code)
	}
}

func TestDeletePipeline(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("POST", "/v1/pipelines", validPipelineRequest())
	var created models.Pipeline
	json.NewDecoder(rr.Body).Decode(&created)

	if rr := env.do("DELETE", "/v1/pipelines/"+created.ID, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", rr.Code)
	}
	if rr := env.do("GET", "/v1/pipelines/"+created.ID, nil); rr.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rr.Code)
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("POST", "/v1/pipelines", validPipelineRequest())
	var created models.Pipeline
	json.NewDecoder(rr.Body).Decode(&created)

	list := env.do("GET", "/v1/pipelines/"+created.ID+"/runs", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list runs = %d", list.Code)
	}
	var runs []*models.Run
	if err := json.NewDecoder(list.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("fresh pipeline should have no runs, got %d", len(runs))
	}
}
