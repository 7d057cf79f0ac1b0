package util

import (
	"context"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// ProcessInfo holds a snapshot of runtime health for a long batch run
type ProcessInfo struct {
	PID        int
	Goroutines int
	HeapInUse  uint64
	HeapSys    uint64
	NumGC      uint32
	Elapsed    time.Duration
}

// GetProcessInfo returns diagnostic information about the running process
func GetProcessInfo(startTime time.Time) ProcessInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ProcessInfo{
		PID:        os.Getpid(),
		Goroutines: runtime.NumGoroutine(),
		HeapInUse:  m.HeapInuse,
		HeapSys:    m.HeapSys,
		NumGC:      m.NumGC,
		Elapsed:    time.Since(startTime),
	}
}

// StartDiagnosticMonitor periodically logs process health until ctx is
// cancelled. Useful when a multi-hour corpus run starts leaking.
func StartDiagnosticMonitor(ctx context.Context, startTime time.Time, interval time.Duration, log *zap.SugaredLogger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				LogDiagnostics(startTime, log)
			}
		}
	}()
}

// LogDiagnostics writes one diagnostic line
func LogDiagnostics(startTime time.Time, log *zap.SugaredLogger) {
	info := GetProcessInfo(startTime)
	log.Infow("diagnostics",
		"pid", info.PID,
		"goroutines", info.Goroutines,
		"heap_in_use_mb", float64(info.HeapInUse)/(1024*1024),
		"heap_sys_mb", float64(info.HeapSys)/(1024*1024),
		"gc_cycles", info.NumGC,
		"elapsed", info.Elapsed.Round(time.Second).String(),
	)
}
