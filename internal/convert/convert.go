package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ChenglinPoly/arxiv2markdown/internal/classify"
	"github.com/ChenglinPoly/arxiv2markdown/internal/config"
	"github.com/ChenglinPoly/arxiv2markdown/internal/models"
	"github.com/ChenglinPoly/arxiv2markdown/internal/security"
)

// Grace period for an external process to die after its context is
// cancelled before the run is considered leaked.
const killGrace = 5 * time.Second

// Main-file names commonly used in TeX source packages, tried before
// falling back to a \documentclass scan.
var commonMainTexNames = []string{"main.tex", "root.tex", "ms.tex", "paper.tex", "manuscript.tex"}

var documentClassPattern = regexp.MustCompile(`(?m)^\s*\\documentclass`)

// Result describes the artifacts of one successful conversion
type Result struct {
	OutputDir    string
	HTMLPath     string
	MarkdownPath string
	Attachments  []Attachment
}

// Converter turns one archive into structured output. The TeX-to-HTML and
// HTML-to-Markdown steps are delegated to external tools under the job's
// deadline; everything the converter writes goes to a per-job temp area
// until the final atomic publish.
type Converter struct {
	cfg        *config.Config
	classifier classify.Classifier
	fallback   *classify.ExtensionFilter
	scanner    *security.Scanner
	log        *zap.SugaredLogger
}

// New creates a converter. classifier may be nil, in which case the
// static extension filter decides which attachments to keep.
func New(cfg *config.Config, classifier classify.Classifier, scanner *security.Scanner, log *zap.SugaredLogger) *Converter {
	return &Converter{
		cfg:        cfg,
		classifier: classifier,
		fallback:   classify.NewExtensionFilter(),
		scanner:    scanner,
		log:        log,
	}
}

// Run converts a single job. On failure the returned error is a
// *models.JobError and nothing is left under the final output path.
func (c *Converter) Run(ctx context.Context, job models.Job) (*Result, error) {
	workDir := filepath.Join(c.cfg.TempDir, job.ID)
	if err := os.RemoveAll(workDir); err != nil {
		return nil, internalErr("clear work directory", err)
	}
	srcDir := filepath.Join(workDir, "src")
	docDir := filepath.Join(workDir, "doc")
	for _, dir := range []string{srcDir, docDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, internalErr("create work directory", err)
		}
	}
	defer os.RemoveAll(workDir)

	if err := ExtractArchive(job.SourcePath, srcDir); err != nil {
		return nil, &models.JobError{Kind: models.ErrArchive, Message: err.Error()}
	}

	mainTex, err := FindMainTex(srcDir)
	if err != nil {
		return nil, &models.JobError{Kind: models.ErrConversion, Message: err.Error()}
	}

	htmlPath := filepath.Join(docDir, job.ID+".html")
	if _, err := runTool(ctx, c.cfg.LatexmlPath, "--quiet", "--dest="+htmlPath, mainTex); err != nil {
		return nil, classifyToolError(ctx, err)
	}

	mdPath := filepath.Join(docDir, job.ID+".md")
	if _, err := runTool(ctx, c.cfg.PandocPath, htmlPath, "-f", "html", "-t", "gfm", "--wrap=none", "-o", mdPath); err != nil {
		return nil, classifyToolError(ctx, err)
	}
	if err := postProcessMarkdown(mdPath); err != nil {
		c.log.Debugw("markdown post-processing skipped", "job_id", job.ID, "error", err)
	}

	attachments, err := c.curateAttachments(ctx, job.ID, srcDir, filepath.Join(docDir, "attachments"))
	if err != nil {
		return nil, internalErr("curate attachments", err)
	}

	finalDir := filepath.Join(c.cfg.OutputDir, job.ID)
	if err := publish(docDir, finalDir); err != nil {
		return nil, internalErr("publish output", err)
	}

	return &Result{
		OutputDir:    finalDir,
		HTMLPath:     filepath.Join(finalDir, job.ID+".html"),
		MarkdownPath: filepath.Join(finalDir, job.ID+".md"),
		Attachments:  attachments,
	}, nil
}

// FindMainTex locates the document entry point in an extracted source
// tree: a commonly named main file first, then the first .tex file
// containing \documentclass.
func FindMainTex(root string) (string, error) {
	for _, name := range commonMainTexNames {
		matches, _ := filepath.Glob(filepath.Join(root, "*", name))
		if direct := filepath.Join(root, name); fileExists(direct) {
			return direct, nil
		}
		if len(matches) > 0 {
			return matches[0], nil
		}
	}

	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return err
		}
		if strings.ToLower(filepath.Ext(path)) != ".tex" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if documentClassPattern.Match(data) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan for main tex file: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("no main TeX file found in source package")
	}
	return found, nil
}

// runTool executes an external command under ctx. On cancellation the
// process is killed; WaitDelay bounds how long a stuck child can hold the
// worker after that.
func runTool(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	cmd.WaitDelay = killGrace

	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s: %w: %s", name, err, tailOf(out.String()))
	}
	return out.Bytes(), nil
}

func classifyToolError(ctx context.Context, err error) *models.JobError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &models.JobError{Kind: models.ErrTimeout, Message: err.Error()}
	}
	return &models.JobError{Kind: models.ErrConversion, Message: err.Error()}
}

func internalErr(op string, err error) *models.JobError {
	return &models.JobError{Kind: models.ErrInternal, Message: fmt.Sprintf("%s: %v", op, err)}
}

// postProcessMarkdown prepends a front-matter header derived from the
// first heading and collapses runs of blank lines.
func postProcessMarkdown(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content := regexp.MustCompile(`\n{3,}`).ReplaceAllString(string(data), "\n\n")

	if m := regexp.MustCompile(`(?m)^#\s+(.+)$`).FindStringSubmatch(content); m != nil {
		title := strings.ReplaceAll(m[1], `"`, `\"`)
		content = fmt.Sprintf("---\ntitle: \"%s\"\n---\n\n%s", title, content)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// publish atomically moves the finished document directory into its
// final location. Partial work never appears under the output path.
func publish(docDir, finalDir string) error {
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.RemoveAll(finalDir); err != nil {
		return fmt.Errorf("clear stale output %s: %w", finalDir, err)
	}
	if err := os.Rename(docDir, finalDir); err != nil {
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		s = "..." + s[len(s)-300:]
	}
	return s
}
