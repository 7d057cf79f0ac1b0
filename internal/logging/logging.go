package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Set bundles the run's log outputs: operator console output, the
// append-only throughput log meant for external tailing, and the
// failure log with one entry per failed job.
type Set struct {
	Console *zap.SugaredLogger
	Speed   *zap.SugaredLogger
	Failure *zap.SugaredLogger

	files []*os.File
}

// New builds the log set. Speed and failure logs are opened in append mode
// so successive runs extend the same streams.
func New(logDir string, verbose bool) (*Set, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", logDir, err)
	}

	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	console := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.Lock(os.Stderr),
		level,
	))

	s := &Set{Console: console.Sugar()}

	speed, err := s.fileLogger(filepath.Join(logDir, "speed.log"))
	if err != nil {
		return nil, err
	}
	failure, err := s.fileLogger(filepath.Join(logDir, "failures.log"))
	if err != nil {
		return nil, err
	}
	s.Speed = speed
	s.Failure = failure
	return s, nil
}

func (s *Set) fileLogger(path string) (*zap.SugaredLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	s.files = append(s.files, f)

	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(f), zap.InfoLevel)
	return zap.New(core).Sugar(), nil
}

// Close flushes and closes the file-backed logs.
func (s *Set) Close() {
	if s.Speed != nil {
		_ = s.Speed.Sync()
	}
	if s.Failure != nil {
		_ = s.Failure.Sync()
	}
	if s.Console != nil {
		_ = s.Console.Sync()
	}
	for _, f := range s.files {
		_ = f.Close()
	}
}
