package convert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"go.uber.org/zap"

	"github.com/ChenglinPoly/arxiv2markdown/internal/config"
)

func attachmentNames(atts []Attachment) []string {
	names := make([]string, len(atts))
	for i, a := range atts {
		names[i] = filepath.Base(a.SavedPath)
	}
	sort.Strings(names)
	return names
}

func TestCurateAttachments_ExtensionFilter(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"main.tex":         `\documentclass{article}`,
		"refs.bbl":         "bibliography",
		"paper.aux":        "aux junk",
		"code/solver.py":   "print('hi')",
		"data/results.csv": "a,b\n1,2",
		".hidden.py":       "skipped",
		"build.o":          "object file",
	})

	c := New(&config.Config{}, nil, nil, zap.NewNop().Sugar())
	out := filepath.Join(t.TempDir(), "attachments")
	atts, err := c.curateAttachments(context.Background(), "job-1", src, out)
	if err != nil {
		t.Fatal(err)
	}

	got := attachmentNames(atts)
	want := []string{"results.csv", "solver.py"}
	if len(got) != len(want) {
		t.Fatalf("curated %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("curated[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	for _, a := range atts {
		if _, err := os.Stat(a.SavedPath); err != nil {
			t.Errorf("saved attachment missing: %v", err)
		}
		if a.Size == 0 {
			t.Errorf("attachment %s has zero recorded size", a.Filename)
		}
	}
}

func TestCurateAttachments_NoKeepersNoDirectory(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"main.tex": `\documentclass{article}`})

	c := New(&config.Config{}, nil, nil, zap.NewNop().Sugar())
	out := filepath.Join(t.TempDir(), "attachments")
	atts, err := c.curateAttachments(context.Background(), "job-1", src, out)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 0 {
		t.Errorf("curated %d attachments from a TeX-only tree", len(atts))
	}
	// The attachments directory is only created once something is kept.
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("empty attachments directory created")
	}
}

func TestCurateAttachments_DuplicateNames(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"v1/fig.png": "one",
		"v2/fig.png": "two",
	})

	c := New(&config.Config{}, nil, nil, zap.NewNop().Sugar())
	atts, err := c.curateAttachments(context.Background(), "job-1", src, filepath.Join(t.TempDir(), "attachments"))
	if err != nil {
		t.Fatal(err)
	}
	got := attachmentNames(atts)
	if len(got) != 2 || got[0] == got[1] {
		t.Errorf("duplicate basenames not made unique: %v", got)
	}
}

type alwaysFailClassifier struct{}

func (alwaysFailClassifier) Keep(context.Context, string, string) (bool, error) {
	return false, errors.New("endpoint unreachable")
}

type dropAllClassifier struct{}

func (dropAllClassifier) Keep(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestShouldKeep_ClassifierErrorFallsBack(t *testing.T) {
	// A broken classifier degrades to the extension filter instead of
	// failing the job or dropping everything.
	c := New(&config.Config{}, alwaysFailClassifier{}, nil, zap.NewNop().Sugar())
	if !c.shouldKeep(context.Background(), "job-1", "solver.py", 42) {
		t.Error("fallback filter should keep solver.py")
	}
	if c.shouldKeep(context.Background(), "job-1", "build.o", 42) {
		t.Error("fallback filter should drop build.o")
	}
}

func TestShouldKeep_ClassifierDecisionWins(t *testing.T) {
	c := New(&config.Config{}, dropAllClassifier{}, nil, zap.NewNop().Sugar())
	if c.shouldKeep(context.Background(), "job-1", "solver.py", 42) {
		t.Error("a working classifier's NO must override the extension filter")
	}
}
