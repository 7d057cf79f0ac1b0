package convert

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChenglinPoly/arxiv2markdown/internal/models"
)

// TeX build inputs and byproducts, never curated as attachments.
var texRelatedExtensions = map[string]bool{
	".tex": true, ".bib": true, ".bbl": true, ".blg": true, ".aux": true,
	".log": true, ".cls": true, ".sty": true, ".fdb_latexmk": true,
	".fls": true, ".out": true, ".toc": true, ".lof": true, ".lot": true,
	".nav": true, ".snm": true, ".vrb": true,
}

// Attachment describes one curated file published next to the document
type Attachment struct {
	Filename  string
	Size      int64
	SavedPath string
	Infected  bool
}

// curateAttachments walks the extracted source tree and copies the files
// worth keeping into outDir. The relevance classifier decides when
// enabled; any classifier error degrades to the static extension filter
// and never fails the job.
func (c *Converter) curateAttachments(ctx context.Context, jobID, srcDir, outDir string) ([]Attachment, error) {
	var results []Attachment

	err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if texRelatedExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		if !c.shouldKeep(ctx, jobID, d.Name(), info.Size()) {
			return nil
		}

		att, err := c.saveAttachment(path, outDir, d.Name(), info.Size())
		if err != nil {
			return err
		}
		results = append(results, att)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source tree: %w", err)
	}
	return results, nil
}

func (c *Converter) shouldKeep(ctx context.Context, jobID, name string, size int64) bool {
	if c.classifier != nil {
		summary := fmt.Sprintf("%d bytes, extension %s", size, filepath.Ext(name))
		keep, err := c.classifier.Keep(ctx, name, summary)
		if err == nil {
			return keep
		}
		jobErr := models.JobError{Kind: models.ErrClassifier, Message: err.Error()}
		c.log.Warnw("relevance classifier failed, using extension filter",
			"job_id", jobID, "file", name, "error", jobErr.Error())
	}
	keep, _ := c.fallback.Keep(ctx, name, "")
	return keep
}

func (c *Converter) saveAttachment(srcPath, outDir, name string, size int64) (Attachment, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Attachment{}, fmt.Errorf("create attachment directory: %w", err)
	}

	att := Attachment{
		Filename: sanitizeFilename(name),
		Size:     size,
	}
	att.SavedPath = ensureUniqueFilename(filepath.Join(outDir, att.Filename))

	if err := copyFile(srcPath, att.SavedPath); err != nil {
		return Attachment{}, err
	}

	if c.scanner.IsEnabled() {
		scan, err := c.scanner.ScanFile(att.SavedPath)
		if err != nil {
			c.log.Warnw("attachment scan failed", "file", att.Filename, "error", err)
		} else if scan.Infected {
			infected := att.SavedPath + ".infected"
			if err := os.Rename(att.SavedPath, infected); err != nil {
				return Attachment{}, fmt.Errorf("quarantine infected file %s: %w", att.Filename, err)
			}
			att.SavedPath = infected
			att.Infected = true
			c.log.Warnw("infected attachment quarantined", "file", att.Filename, "threats", scan.Threats)
		}
	}

	return att, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy attachment %s: %w", dst, err)
	}
	return out.Close()
}

// sanitizeFilename makes a filename safe for the filesystem
func sanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"}
	result := filename
	for _, ch := range invalid {
		result = strings.ReplaceAll(result, ch, "_")
	}
	return result
}

// ensureUniqueFilename avoids clobbering an existing file by appending a
// counter to the name
func ensureUniqueFilename(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	name := strings.TrimSuffix(filepath.Base(path), ext)

	counter := 1
	for {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", name, counter, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		counter++
	}
}
