package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ChenglinPoly/arxiv2markdown/internal/config"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		SourceDir:  dir,
		Extensions: []string{".tar"},
	}
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScan_FiltersAndOrders(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "arXiv_src_2208_071.tar")
	touch(t, dir, "arXiv_src_2301_002.tar")
	touch(t, dir, "arXiv_src_2301_001.tar")
	touch(t, dir, "notes.pdf")      // wrong extension, silently skipped
	touch(t, dir, ".hidden.tar")    // hidden, skipped
	if err := os.Mkdir(filepath.Join(dir, "subdir.tar"), 0o755); err != nil {
		t.Fatal(err)
	}

	jobs, err := Scan(testConfig(dir))
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	want := []string{"arXiv_src_2301_002", "arXiv_src_2301_001", "arXiv_src_2208_071"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}
}

func TestScan_Deterministic(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.tar", "a.tar", "c.tar"} {
		touch(t, dir, name)
	}

	first, err := Scan(testConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Scan(testConfig(dir))
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("scan %d differs: %v vs %v", i, again, first)
		}
	}
}

func TestScan_MissingDirectory(t *testing.T) {
	_, err := Scan(testConfig(filepath.Join(t.TempDir(), "nope")))
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestPriorityFromName(t *testing.T) {
	cases := []struct {
		name string
		want int
	}{
		{"arXiv_src_2208_071.tar", 2208071},
		{"arXiv_src_2301_002.tar", 2301002},
		{"random.tar", 0},
		{"src_12_3.txt", 0},
	}
	for _, tc := range cases {
		if got := PriorityFromName(tc.name); got != tc.want {
			t.Errorf("PriorityFromName(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestJobID(t *testing.T) {
	if got := JobID("arXiv_src_2208_071.tar"); got != "arXiv_src_2208_071" {
		t.Errorf("JobID = %q", got)
	}
	if got := JobID("/some/path/pkg.tar"); got != "pkg" {
		t.Errorf("JobID = %q", got)
	}
}
