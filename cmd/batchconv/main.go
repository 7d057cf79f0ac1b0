package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/ChenglinPoly/arxiv2markdown/internal/classify"
	"github.com/ChenglinPoly/arxiv2markdown/internal/config"
	"github.com/ChenglinPoly/arxiv2markdown/internal/convert"
	"github.com/ChenglinPoly/arxiv2markdown/internal/logging"
	"github.com/ChenglinPoly/arxiv2markdown/internal/manager"
	"github.com/ChenglinPoly/arxiv2markdown/internal/security"
	"github.com/ChenglinPoly/arxiv2markdown/internal/state"
	"github.com/ChenglinPoly/arxiv2markdown/internal/util"
)

const (
	exitOK           = 0
	exitOrchestrator = 1
	exitConfig       = 2
	exitCorruptState = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	startTime := time.Now()

	// Environment fills the config first; flags override.
	cfg := &config.Config{}
	if err := config.FromEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}

	extensions := flag.String("ext", strings.Join(cfg.Extensions, ","), "Comma-separated accepted archive extensions")
	flag.StringVar(&cfg.SourceDir, "src", cfg.SourceDir, "Source directory containing archives")
	flag.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "Directory for converted output")
	flag.StringVar(&cfg.TempDir, "temp", cfg.TempDir, "Per-job working directory root")
	flag.StringVar(&cfg.LogDir, "logs", cfg.LogDir, "Directory for speed and failure logs")
	flag.StringVar(&cfg.StatePath, "state", cfg.StatePath, "Path of the persistent state file")
	flag.IntVar(&cfg.WorkerCount, "workers", cfg.WorkerCount, "Number of conversion workers")
	flag.DurationVar(&cfg.JobTimeout, "timeout", cfg.JobTimeout, "Per-job conversion timeout")
	flag.DurationVar(&cfg.SampleInterval, "interval", cfg.SampleInterval, "Throughput sample interval")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose output")
	flag.BoolVar(&cfg.AIFilter, "ai-filter", cfg.AIFilter, "Use the AI relevance classifier for attachments")
	flag.StringVar(&cfg.AIEndpoint, "ai-endpoint", cfg.AIEndpoint, "OpenAI-compatible base URL for the classifier")
	flag.StringVar(&cfg.AIModel, "ai-model", cfg.AIModel, "Classifier model name")
	flag.BoolVar(&cfg.ScanAttachments, "scan", cfg.ScanAttachments, "Scan curated attachments with ClamAV")
	flag.StringVar(&cfg.ClamdAddress, "clamd", cfg.ClamdAddress, "ClamAV daemon address")
	noProgress := flag.Bool("no-progress", false, "Disable the console progress bar")
	diagnose := flag.Bool("diagnose", false, "Periodically log runtime diagnostics")
	fresh := flag.Bool("fresh", false, "Discard a corrupt state file and start over")
	requeueFailed := flag.Bool("requeue-failed", false, "Requeue all failed jobs and exit")
	testSpeed := flag.Bool("test-speed", false, "Report output throughput and exit")
	flag.Parse()

	cfg.Extensions = strings.Split(*extensions, ",")
	cfg.ShowProgress = !*noProgress

	if *testSpeed {
		return runSpeedTest(cfg, startTime)
	}

	logs, err := logging.New(cfg.LogDir, cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitConfig
	}
	defer logs.Close()

	store, code := openStore(cfg, *fresh, logs)
	if code != exitOK {
		return code
	}

	if *requeueFailed {
		requeued, err := store.RequeueFailed()
		if err != nil {
			logs.Console.Errorw("requeue failed jobs", "error", err)
			return exitOrchestrator
		}
		logs.Console.Infow("requeued failed jobs", "count", len(requeued), "job_ids", requeued)
		return exitOK
	}

	if err := cfg.Validate(); err != nil {
		logs.Console.Errorw("invalid configuration", "error", err)
		return exitConfig
	}
	for _, dir := range []string{cfg.OutputDir, cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logs.Console.Errorw("create directory", "dir", dir, "error", err)
			return exitConfig
		}
	}

	fmt.Println("arxiv2markdown batch converter")
	fmt.Printf("Source: %s  Workers: %d  Timeout: %s\n", cfg.SourceDir, cfg.WorkerCount, cfg.JobTimeout)
	fmt.Printf("AI filtering: %v  Attachment scanning: %v\n", cfg.AIFilter, cfg.ScanAttachments)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *diagnose {
		util.StartDiagnosticMonitor(ctx, startTime, 30*time.Second, logs.Console)
	}

	var classifier classify.Classifier
	var aiClassifier *classify.AIClassifier
	if cfg.AIFilter {
		aiClassifier = classify.NewAIClassifier(cfg.AIEndpoint, cfg.AIModel, cfg.AIKey, cfg.AITimeout, logs.Console)
		classifier = aiClassifier
	}
	var scanner *security.Scanner
	if cfg.ScanAttachments {
		scanner = security.NewScanner(cfg.ClamdAddress, logs.Console)
	}

	conv := convert.New(cfg, classifier, scanner, logs.Console)
	mgr := manager.New(cfg, store, conv.Run, logs)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logs.Console.Warnw("shutting down", "signal", sig.String())
		mgr.Stop()
	}()

	_, runErr := mgr.Run(ctx)

	if aiClassifier != nil && aiClassifier.Disabled() {
		logs.Console.Warnw("relevance classifier disabled itself during the run; the extension filter decided the rest")
	}

	// The report is printed even when jobs failed or the run was
	// interrupted; a non-empty failed set is a normal outcome.
	fmt.Println(mgr.Report().Render())

	if runErr != nil {
		logs.Console.Errorw("batch run aborted", "error", runErr)
		return exitOrchestrator
	}
	return exitOK
}

func openStore(cfg *config.Config, fresh bool, logs *logging.Set) (*state.Store, int) {
	store, err := state.Load(cfg.StatePath)
	if err == nil {
		return store, exitOK
	}

	var corrupt *state.CorruptError
	if errors.As(err, &corrupt) && fresh {
		logs.Console.Warnw("discarding corrupt state file", "path", cfg.StatePath, "error", corrupt.Err)
		store, err = state.Fresh(cfg.StatePath)
		if err == nil {
			return store, exitOK
		}
	}
	logs.Console.Errorw("cannot load state", "path", cfg.StatePath, "error", err)
	if errors.As(err, &corrupt) {
		logs.Console.Infow("re-run with -fresh to discard the corrupt state file")
		return nil, exitCorruptState
	}
	return nil, exitOrchestrator
}

// runSpeedTest reports how many converted outputs exist, mirroring an
// operator spot-check of overall throughput without touching any state.
func runSpeedTest(cfg *config.Config, startTime time.Time) int {
	entries, err := os.ReadDir(cfg.OutputDir)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: read output directory: %v\n", err)
		return exitConfig
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() {
			count++
		}
	}

	elapsed := time.Since(startTime).Minutes()
	speed := 0.0
	if elapsed > 0 {
		speed = float64(count) / elapsed
	}
	fmt.Printf("Converted outputs: %d\n", count)
	fmt.Printf("Elapsed (min): %.4f\n", elapsed)
	fmt.Printf("Average speed (per min): %.4f\n", speed)
	return exitOK
}
