package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds application configuration. It is built once in main and
// passed explicitly; nothing reads it from a global.
type Config struct {
	SourceDir   string `env:"BATCHCONV_SOURCE_DIR"`
	OutputDir   string `env:"BATCHCONV_OUTPUT_DIR" envDefault:"output"`
	TempDir     string `env:"BATCHCONV_TEMP_DIR" envDefault:"temp"`
	LogDir      string `env:"BATCHCONV_LOG_DIR" envDefault:"logs"`
	StatePath   string `env:"BATCHCONV_STATE_FILE" envDefault:"state.json"`
	WorkerCount int    `env:"BATCHCONV_WORKERS"`
	Verbose     bool

	// ShowProgress renders the console progress bar; disabled for
	// non-interactive runs.
	ShowProgress bool

	// Accepted archive extensions for the source scanner.
	Extensions []string `env:"BATCHCONV_EXTENSIONS" envSeparator:"," envDefault:".tar"`

	// Per-job bound on the conversion task, including external processes.
	JobTimeout time.Duration `env:"BATCHCONV_JOB_TIMEOUT" envDefault:"10m"`

	// Wall-clock interval between throughput samples.
	SampleInterval time.Duration `env:"BATCHCONV_SAMPLE_INTERVAL" envDefault:"60s"`

	// External conversion tools.
	LatexmlPath string `env:"BATCHCONV_LATEXML" envDefault:"latexmlc"`
	PandocPath  string `env:"BATCHCONV_PANDOC" envDefault:"pandoc"`

	// Attachment relevance classifier options.
	AIFilter   bool          `env:"BATCHCONV_AI_FILTER"`
	AIEndpoint string        `env:"BATCHCONV_AI_ENDPOINT" envDefault:"https://api.deepseek.com/v1"`
	AIModel    string        `env:"BATCHCONV_AI_MODEL" envDefault:"deepseek-chat"`
	AIKey      string        `env:"BATCHCONV_AI_KEY"`
	AITimeout  time.Duration `env:"BATCHCONV_AI_TIMEOUT" envDefault:"30s"`

	// Security options.
	ScanAttachments bool   `env:"BATCHCONV_SCAN"`
	ClamdAddress    string `env:"BATCHCONV_CLAMD" envDefault:"localhost:3310"`
}

// ConfigurationError marks invalid paths or settings. It is fatal and
// aborts the run before any job is dispatched.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// FromEnv fills cfg from environment variables and tag defaults. The
// caller parses flags afterwards, so flag values override what the
// environment set.
func FromEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate checks the configuration before dispatch.
func (c *Config) Validate() error {
	if c.SourceDir == "" {
		return &ConfigurationError{Msg: "source directory is required"}
	}
	info, err := os.Stat(c.SourceDir)
	if err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("source directory %s: %v", c.SourceDir, err)}
	}
	if !info.IsDir() {
		return &ConfigurationError{Msg: fmt.Sprintf("source path %s is not a directory", c.SourceDir)}
	}
	if c.WorkerCount < 1 {
		return &ConfigurationError{Msg: fmt.Sprintf("worker count must be at least 1, got %d", c.WorkerCount)}
	}
	if c.JobTimeout <= 0 {
		return &ConfigurationError{Msg: "job timeout must be positive"}
	}
	if c.SampleInterval <= 0 {
		return &ConfigurationError{Msg: "sample interval must be positive"}
	}
	if c.AIFilter && c.AIEndpoint == "" {
		return &ConfigurationError{Msg: "AI filtering enabled but no endpoint configured"}
	}
	cleaned := c.Extensions[:0]
	for _, ext := range c.Extensions {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cleaned = append(cleaned, ext)
	}
	c.Extensions = cleaned
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".tar"}
	}
	return nil
}

// AcceptsExtension reports whether the scanner should consider a filename.
func (c *Config) AcceptsExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range c.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
