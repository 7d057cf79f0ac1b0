package convert

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

type tarEntry struct {
	name string
	body []byte
	dir  bool
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body))}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if !e.dir {
			if _, err := tw.Write(e.body); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractArchive_PlainTar(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{name: "2301.00001", dir: true},
		{name: "2301.00001/main.tex", body: []byte(`\documentclass{article}`)},
		{name: "2301.00001/fig1.png", body: []byte("png")},
	})
	dest := t.TempDir()
	if err := ExtractArchive(writeArchive(t, "a.tar", data), dest); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}

	for _, rel := range []string{"2301.00001/main.tex", "2301.00001/fig1.png"} {
		if _, err := os.Stat(filepath.Join(dest, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
}

func TestExtractArchive_NestedGzipMembers(t *testing.T) {
	// The usual arXiv layout: the outer tar holds one gzipped tar per
	// paper, plus bare-gzipped single-file submissions.
	inner := buildTar(t, []tarEntry{
		{name: "main.tex", body: []byte(`\documentclass{article}`)},
	})
	data := buildTar(t, []tarEntry{
		{name: "2301.00001.tar.gz", body: gzipBytes(t, inner)},
		{name: "2301.00002.gz", body: gzipBytes(t, []byte(`\documentclass{article}`))},
	})

	dest := t.TempDir()
	if err := ExtractArchive(writeArchive(t, "batch.tar", data), dest); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dest, "2301.00001", "main.tex")); err != nil {
		t.Errorf("nested tar.gz not expanded into a directory: %v", err)
	}
	// A bare .gz member with no inner extension becomes a .tex file.
	if _, err := os.Stat(filepath.Join(dest, "2301.00002.tex")); err != nil {
		t.Errorf("bare gz member not expanded: %v", err)
	}
	// Compressed originals are removed after expansion.
	for _, leftover := range []string{"2301.00001.tar.gz", "2301.00002.gz"} {
		if _, err := os.Stat(filepath.Join(dest, leftover)); !os.IsNotExist(err) {
			t.Errorf("%s left behind after expansion", leftover)
		}
	}
}

func TestExtractArchive_GzippedOuter(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{name: "main.tex", body: []byte(`\documentclass{article}`)},
	})
	path := writeArchive(t, "a.tgz", gzipBytes(t, data))
	dest := t.TempDir()
	if err := ExtractArchive(path, dest); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "main.tex")); err != nil {
		t.Error("gzipped outer tar not extracted")
	}
}

func TestExtractArchive_DotSlashMembers(t *testing.T) {
	// tar -cf pkg.tar . prefixes every member with ./ and includes a ./
	// entry for the root directory itself; such archives are valid.
	data := buildTar(t, []tarEntry{
		{name: "./", dir: true},
		{name: "./main.tex", body: []byte(`\documentclass{article}`)},
		{name: "./figs/", dir: true},
		{name: "./figs/plot.png", body: []byte("png")},
	})
	dest := t.TempDir()
	if err := ExtractArchive(writeArchive(t, "dot.tar", data), dest); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	for _, rel := range []string{"main.tex", "figs/plot.png"} {
		if _, err := os.Stat(filepath.Join(dest, rel)); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
}

func TestExtractArchive_NestedDotSlashMembers(t *testing.T) {
	inner := buildTar(t, []tarEntry{
		{name: "./", dir: true},
		{name: "./main.tex", body: []byte(`\documentclass{article}`)},
	})
	data := buildTar(t, []tarEntry{
		{name: "2301.00001.tar.gz", body: gzipBytes(t, inner)},
	})
	dest := t.TempDir()
	if err := ExtractArchive(writeArchive(t, "batch.tar", data), dest); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "2301.00001", "main.tex")); err != nil {
		t.Errorf("nested ./-prefixed member not extracted: %v", err)
	}
}

func TestExtractArchive_RejectsPathTraversal(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{name: "../../evil.sh", body: []byte("#!/bin/sh")},
	})
	err := ExtractArchive(writeArchive(t, "evil.tar", data), t.TempDir())
	if err == nil {
		t.Fatal("member escaping the destination was extracted")
	}
}

func TestExtractArchive_CorruptInput(t *testing.T) {
	path := writeArchive(t, "broken.tar", []byte("this is not a tar archive, it just ends"))
	if err := ExtractArchive(path, t.TempDir()); err == nil {
		t.Fatal("corrupt archive accepted")
	}
}

func TestExtractArchive_MissingFile(t *testing.T) {
	if err := ExtractArchive(filepath.Join(t.TempDir(), "nope.tar"), t.TempDir()); err == nil {
		t.Fatal("missing archive accepted")
	}
}
