package manager

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ChenglinPoly/arxiv2markdown/internal/models"
)

// DurationSummary describes the spread of per-job wall-clock times
type DurationSummary struct {
	Min    float64
	Median float64
	Max    float64
	P10    float64
	P90    float64
}

// Report is the final, always-printed summary of a batch run
type Report struct {
	RunID       string
	Elapsed     time.Duration
	WorkerCount int

	TotalJobs int
	Succeeded int
	Failed    int
	Pending   int

	SuccessRate   float64 // percent over attempted jobs
	Durations     DurationSummary
	FailureCounts map[models.ErrorKind]int
}

// BuildReport derives the run report from the persisted job records, so
// it reflects exactly what the state store will replay next run.
func BuildReport(jobs []models.Job, stats models.Stats) Report {
	r := Report{
		RunID:         stats.RunID,
		WorkerCount:   stats.WorkerCount,
		TotalJobs:     len(jobs),
		FailureCounts: make(map[models.ErrorKind]int),
	}
	if !stats.EndTime.IsZero() {
		r.Elapsed = stats.EndTime.Sub(stats.StartTime)
	} else {
		r.Elapsed = time.Since(stats.StartTime)
	}

	var durations []float64
	for _, job := range jobs {
		switch job.Status {
		case models.StatusSucceeded:
			r.Succeeded++
		case models.StatusFailed:
			r.Failed++
			if job.LastError != nil {
				r.FailureCounts[job.LastError.Kind]++
			}
		default:
			r.Pending++
		}
		if job.DurationSeconds > 0 {
			durations = append(durations, job.DurationSeconds)
		}
	}

	if attempted := r.Succeeded + r.Failed; attempted > 0 {
		r.SuccessRate = float64(r.Succeeded) / float64(attempted) * 100
	}

	if len(durations) > 0 {
		sort.Float64s(durations)
		r.Durations = DurationSummary{
			Min:    durations[0],
			Max:    durations[len(durations)-1],
			Median: percentile(durations, 50),
			P10:    percentile(durations, 10),
			P90:    percentile(durations, 90),
		}
	}
	return r
}

// Render formats the report for the console
func (r Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "------------- batch run %s -------------\n", r.RunID)
	fmt.Fprintf(&b, "Elapsed: %s  Workers: %d\n", r.Elapsed.Round(time.Millisecond), r.WorkerCount)
	fmt.Fprintf(&b, "Jobs: %d total, %d succeeded, %d failed, %d pending\n",
		r.TotalJobs, r.Succeeded, r.Failed, r.Pending)
	if r.Succeeded+r.Failed > 0 {
		fmt.Fprintf(&b, "Success rate: %.2f%%\n", r.SuccessRate)
	}
	if r.Durations.Max > 0 {
		fmt.Fprintf(&b, "Duration: min %.2fs / median %.2fs / max %.2fs\n",
			r.Durations.Min, r.Durations.Median, r.Durations.Max)
		fmt.Fprintf(&b, "Middle 80%% of durations: %.2fs - %.2fs\n",
			r.Durations.P10, r.Durations.P90)
	}
	if len(r.FailureCounts) > 0 {
		fmt.Fprintf(&b, "Failures by category:\n")
		kinds := make([]string, 0, len(r.FailureCounts))
		for kind := range r.FailureCounts {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(&b, "  - %-12s %d\n", categoryLabel(models.ErrorKind(kind)), r.FailureCounts[models.ErrorKind(kind)])
		}
	}
	b.WriteString("--------------------------------------------------")
	return b.String()
}

func categoryLabel(kind models.ErrorKind) string {
	switch kind {
	case models.ErrArchive:
		return "corrupt archive"
	case models.ErrConversion:
		return "conversion failure"
	case models.ErrTimeout:
		return "timeout"
	case models.ErrClassifier:
		return "classifier"
	default:
		return string(kind)
	}
}

// percentile computes the p-th percentile of sorted values with linear
// interpolation between ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
