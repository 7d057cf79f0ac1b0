package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ChenglinPoly/arxiv2markdown/internal/config"
	"github.com/ChenglinPoly/arxiv2markdown/internal/convert"
	"github.com/ChenglinPoly/arxiv2markdown/internal/logging"
	"github.com/ChenglinPoly/arxiv2markdown/internal/models"
	"github.com/ChenglinPoly/arxiv2markdown/internal/state"
)

func testEnv(t *testing.T, archives int, workers int) (*config.Config, *state.Store, *logging.Set) {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "src")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < archives; i++ {
		name := fmt.Sprintf("arXiv_src_2301_%03d.tar", i)
		if err := os.WriteFile(filepath.Join(src, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &config.Config{
		SourceDir:      src,
		OutputDir:      filepath.Join(root, "output"),
		TempDir:        filepath.Join(root, "temp"),
		LogDir:         filepath.Join(root, "logs"),
		StatePath:      filepath.Join(root, "state.json"),
		WorkerCount:    workers,
		Extensions:     []string{".tar"},
		JobTimeout:     5 * time.Second,
		SampleInterval: time.Hour,
	}

	store, err := state.Load(cfg.StatePath)
	if err != nil {
		t.Fatal(err)
	}
	logs, err := logging.New(cfg.LogDir, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(logs.Close)
	return cfg, store, logs
}

func succeedAll(ctx context.Context, job models.Job) (*convert.Result, error) {
	return &convert.Result{OutputDir: "out/" + job.ID}, nil
}

func TestRun_ScenarioOneCorruptArchive(t *testing.T) {
	cfg, store, logs := testEnv(t, 10, 3)

	badID := "arXiv_src_2301_004"
	run := func(ctx context.Context, job models.Job) (*convert.Result, error) {
		if job.ID == badID {
			return nil, &models.JobError{Kind: models.ErrArchive, Message: "unexpected EOF"}
		}
		return succeedAll(ctx, job)
	}

	mgr := New(cfg, store, run, logs)
	stats, err := mgr.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.TotalJobs != 10 || stats.Succeeded != 9 || stats.Failed != 1 {
		t.Errorf("stats = total %d succeeded %d failed %d", stats.TotalJobs, stats.Succeeded, stats.Failed)
	}

	report := mgr.Report()
	if report.FailureCounts[models.ErrArchive] != 1 {
		t.Errorf("archive failures = %d, want 1", report.FailureCounts[models.ErrArchive])
	}
	if report.SuccessRate < 89 || report.SuccessRate > 91 {
		t.Errorf("success rate = %.2f", report.SuccessRate)
	}

	job, ok := store.Get(badID)
	if !ok {
		t.Fatal("failed job missing from store")
	}
	if job.Status != models.StatusFailed {
		t.Errorf("status = %s", job.Status)
	}
	if job.LastError == nil || job.LastError.Message == "" {
		t.Error("failed job has no recorded error")
	}
	for _, j := range store.Snapshot() {
		if j.ID != badID && j.Status != models.StatusSucceeded {
			t.Errorf("job %s status = %s, want succeeded", j.ID, j.Status)
		}
	}
}

func TestRun_IdempotentRerun(t *testing.T) {
	cfg, store, logs := testEnv(t, 6, 2)

	var calls atomic.Int32
	run := func(ctx context.Context, job models.Job) (*convert.Result, error) {
		calls.Add(1)
		return succeedAll(ctx, job)
	}

	if _, err := New(cfg, store, run, logs).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 6 {
		t.Fatalf("first run converted %d jobs, want 6", calls.Load())
	}

	// Second run over an unchanged directory must process nothing.
	store2, err := state.Load(cfg.StatePath)
	if err != nil {
		t.Fatal(err)
	}
	calls.Store(0)
	stats, err := New(cfg, store2, run, logs).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Errorf("re-run converted %d jobs, want 0", calls.Load())
	}
	if stats.Dispatched != 0 {
		t.Errorf("re-run dispatched %d", stats.Dispatched)
	}
}

func TestRun_CrashRecovery(t *testing.T) {
	cfg, store, logs := testEnv(t, 3, 2)

	// Simulate a prior crashed run: one job stuck RUNNING in the store.
	orphan := models.Job{ID: "arXiv_src_2301_001", SourcePath: "src", Status: models.StatusPending}
	if err := store.Upsert(orphan); err != nil {
		t.Fatal(err)
	}
	orphan.Status = models.StatusRunning
	if err := store.Upsert(orphan); err != nil {
		t.Fatal(err)
	}

	restarted, err := state.Load(cfg.StatePath)
	if err != nil {
		t.Fatal(err)
	}
	stats, err := New(cfg, restarted, succeedAll, logs).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Reconciled != 1 {
		t.Errorf("reconciled = %d, want 1", stats.Reconciled)
	}
	for _, j := range restarted.Snapshot() {
		if j.Status != models.StatusSucceeded {
			t.Errorf("job %s left in %s", j.ID, j.Status)
		}
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	cfg, store, logs := testEnv(t, 8, 4)

	run := func(ctx context.Context, job models.Job) (*convert.Result, error) {
		switch job.ID {
		case "arXiv_src_2301_002":
			return nil, &models.JobError{Kind: models.ErrConversion, Message: "latexml exit 1"}
		case "arXiv_src_2301_005":
			panic("conversion blew up")
		}
		return succeedAll(ctx, job)
	}

	stats, err := New(cfg, store, run, logs).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Succeeded != 6 || stats.Failed != 2 {
		t.Errorf("succeeded=%d failed=%d", stats.Succeeded, stats.Failed)
	}
	if job, _ := store.Get("arXiv_src_2301_005"); job.LastError == nil || job.LastError.Kind != models.ErrInternal {
		t.Errorf("panic not recorded as internal failure: %+v", job.LastError)
	}
}

func TestRun_TimeoutEnforced(t *testing.T) {
	cfg, store, logs := testEnv(t, 3, 3)
	cfg.JobTimeout = 50 * time.Millisecond

	hangID := "arXiv_src_2301_000"
	run := func(ctx context.Context, job models.Job) (*convert.Result, error) {
		if job.ID == hangID {
			<-ctx.Done() // conversion that never returns on its own
			return nil, ctx.Err()
		}
		return succeedAll(ctx, job)
	}

	start := time.Now()
	stats, err := New(cfg, store, run, logs).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %s, pool hung on the stuck job", elapsed)
	}
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
	job, _ := store.Get(hangID)
	if job.Status != models.StatusFailed || job.LastError == nil || job.LastError.Kind != models.ErrTimeout {
		t.Errorf("stuck job = %s %+v, want failed/timeout", job.Status, job.LastError)
	}
}

func TestRun_AtMostOneConcurrentAttemptPerJob(t *testing.T) {
	cfg, store, logs := testEnv(t, 12, 6)

	var mu sync.Mutex
	inFlight := make(map[string]int)
	var maxTotal int

	run := func(ctx context.Context, job models.Job) (*convert.Result, error) {
		mu.Lock()
		inFlight[job.ID]++
		if inFlight[job.ID] > 1 {
			t.Errorf("job %s executing concurrently", job.ID)
		}
		total := 0
		for _, n := range inFlight {
			total += n
		}
		if total > maxTotal {
			maxTotal = total
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight[job.ID]--
		mu.Unlock()
		return succeedAll(ctx, job)
	}

	if _, err := New(cfg, store, run, logs).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if maxTotal > cfg.WorkerCount {
		t.Errorf("observed %d concurrent conversions with %d workers", maxTotal, cfg.WorkerCount)
	}
}

func TestRun_EmitsProgressLines(t *testing.T) {
	cfg, store, _ := testEnv(t, 6, 2)
	cfg.SampleInterval = 15 * time.Millisecond

	core, observed := observer.New(zap.InfoLevel)
	logs := &logging.Set{
		Console: zap.New(core).Sugar(),
		Speed:   zap.NewNop().Sugar(),
		Failure: zap.NewNop().Sugar(),
	}

	run := func(ctx context.Context, job models.Job) (*convert.Result, error) {
		time.Sleep(25 * time.Millisecond)
		return succeedAll(ctx, job)
	}
	if _, err := New(cfg, store, run, logs).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	lines := observed.FilterMessage("progress").All()
	if len(lines) == 0 {
		t.Fatal("no progress lines logged during the run")
	}
	fields := lines[len(lines)-1].ContextMap()
	if _, ok := fields["remaining"]; !ok {
		t.Error("progress line missing remaining")
	}
	if _, ok := fields["eta"]; !ok {
		t.Error("progress line missing eta")
	}
}

func TestRun_CancelledRunLeavesRunningForReconcile(t *testing.T) {
	cfg, store, logs := testEnv(t, 4, 1)
	cfg.JobTimeout = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	run := func(jctx context.Context, job models.Job) (*convert.Result, error) {
		once.Do(func() { close(started) })
		<-jctx.Done()
		return nil, jctx.Err()
	}

	mgr := New(cfg, store, run, logs)
	done := make(chan error, 1)
	go func() {
		_, err := mgr.Run(ctx)
		done <- err
	}()

	<-started
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if rem := mgr.Stats().Remaining(); rem == 0 {
		t.Error("stats report no unfinished work after an interrupted run")
	}

	var running int
	for _, j := range store.Snapshot() {
		if j.Status == models.StatusRunning {
			running++
		}
	}
	if running == 0 {
		t.Fatal("expected the interrupted job to remain RUNNING in the store")
	}

	// The next start reconciles it back to PENDING.
	restarted, err := state.Load(cfg.StatePath)
	if err != nil {
		t.Fatal(err)
	}
	reset, err := restarted.ReconcileOrphans()
	if err != nil {
		t.Fatal(err)
	}
	if len(reset) != running {
		t.Errorf("reconciled %d, want %d", len(reset), running)
	}
}
