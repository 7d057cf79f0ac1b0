package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ChenglinPoly/arxiv2markdown/internal/config"
	"github.com/ChenglinPoly/arxiv2markdown/internal/models"
)

// arXiv source chunks are named like arXiv_src_2208_071.tar; the digits
// form a priority so newer chunks are dispatched first.
var priorityPattern = regexp.MustCompile(`src_(\d+)_(\d+)\.tar$`)

// Scan enumerates candidate archives in the source directory. Entries that
// do not match the accepted extensions are silently skipped. The result
// order is deterministic: priority descending, then filename ascending, so
// repeated scans of an unchanged directory always agree.
func Scan(cfg *config.Config) ([]models.Job, error) {
	entries, err := os.ReadDir(cfg.SourceDir)
	if err != nil {
		return nil, &config.ConfigurationError{
			Msg: fmt.Sprintf("scan source directory %s: %v", cfg.SourceDir, err),
		}
	}

	var jobs []models.Job
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if !cfg.AcceptsExtension(entry.Name()) {
			continue
		}
		jobs = append(jobs, models.Job{
			ID:         JobID(entry.Name()),
			SourcePath: filepath.Join(cfg.SourceDir, entry.Name()),
			Priority:   PriorityFromName(entry.Name()),
		})
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].ID < jobs[j].ID
	})

	return jobs, nil
}

// JobID derives the stable job identifier from an archive filename.
func JobID(name string) string {
	return strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
}

// PriorityFromName extracts the numeric priority from an archive name,
// e.g. arXiv_src_2208_071.tar -> 2208071. Unrecognized names get zero.
func PriorityFromName(name string) int {
	m := priorityPattern.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1] + m[2])
	if err != nil {
		return 0
	}
	return n
}
