package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Classifier decides whether a candidate attachment is worth keeping
// alongside the converted document.
type Classifier interface {
	Keep(ctx context.Context, filename, summary string) (bool, error)
}

// DefaultValuableExtensions is the static allow-list used when AI
// filtering is disabled or unavailable.
var DefaultValuableExtensions = []string{
	// source code
	".py", ".java", ".cpp", ".c", ".h", ".hpp", ".js", ".ts", ".go", ".rs",
	".rb", ".php", ".r", ".m", ".scala", ".kt", ".swift", ".sh", ".bat", ".ps1",
	// data
	".csv", ".xls", ".xlsx",
	// configuration and documents
	".cfg", ".conf", ".ini", ".toml", ".properties", ".md", ".rst", ".txt", ".log",
	// data science
	".ipynb", ".rmd", ".mat", ".dat", ".hdf5", ".h5", ".npz", ".pkl", ".pickle",
	// references
	".bib", ".bibtex", ".endnote", ".ris",
	// images
	".png", ".jpg", ".jpeg", ".gif", ".bmp", ".svg", ".eps", ".pdf", ".tiff", ".tif",
}

// ExtensionFilter keeps files whose extension is on the allow-list.
type ExtensionFilter struct {
	allowed map[string]bool
}

// NewExtensionFilter builds a filter; with no arguments it uses the
// default valuable-extension set.
func NewExtensionFilter(extensions ...string) *ExtensionFilter {
	if len(extensions) == 0 {
		extensions = DefaultValuableExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &ExtensionFilter{allowed: allowed}
}

func (f *ExtensionFilter) Keep(_ context.Context, filename, _ string) (bool, error) {
	return f.allowed[strings.ToLower(filepath.Ext(filename))], nil
}

// After this many consecutive transport failures the AI classifier
// disables itself for the rest of the run so a dead endpoint does not
// add its timeout to every attachment.
const maxConsecutiveFailures = 3

// AIClassifier asks an OpenAI-compatible chat endpoint whether an
// attachment is relevant. Any failure is surfaced to the caller, which
// degrades to the static filter; a job is never failed by the classifier.
type AIClassifier struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	log      *zap.SugaredLogger

	failures atomic.Int32
	disabled atomic.Bool
}

// NewAIClassifier builds a classifier against baseURL (e.g.
// https://api.deepseek.com/v1).
func NewAIClassifier(baseURL, model, apiKey string, timeout time.Duration, log *zap.SugaredLogger) *AIClassifier {
	return &AIClassifier{
		endpoint: strings.TrimRight(baseURL, "/") + "/chat/completions",
		model:    model,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

const systemPrompt = "You decide whether a file extracted from a research paper's " +
	"source package is valuable supplementary material (code, data, notebooks, " +
	"figures) or build debris. Answer with exactly YES or NO."

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Disabled reports whether the classifier has shut itself off after
// repeated transport failures.
func (c *AIClassifier) Disabled() bool {
	return c.disabled.Load()
}

func (c *AIClassifier) Keep(ctx context.Context, filename, summary string) (bool, error) {
	if c.disabled.Load() {
		return false, fmt.Errorf("classifier disabled after %d consecutive failures", maxConsecutiveFailures)
	}

	keep, err := c.ask(ctx, filename, summary)
	if err != nil {
		if n := c.failures.Add(1); n >= maxConsecutiveFailures && c.disabled.CompareAndSwap(false, true) {
			c.log.Warnw("relevance classifier disabled for the rest of the run",
				"consecutive_failures", n, "endpoint", c.endpoint)
		}
		return false, err
	}
	c.failures.Store(0)
	return keep, nil
}

func (c *AIClassifier) ask(ctx context.Context, filename, summary string) (bool, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("File: %s\nSummary: %s", filename, summary)},
		},
		Temperature: 0.1,
		MaxTokens:   10,
	})
	if err != nil {
		return false, fmt.Errorf("marshal classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return false, fmt.Errorf("classifier returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, fmt.Errorf("decode classifier response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return false, fmt.Errorf("classifier response has no choices")
	}

	answer := strings.ToUpper(strings.TrimSpace(parsed.Choices[0].Message.Content))
	return strings.HasPrefix(answer, "YES"), nil
}
