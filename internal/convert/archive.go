package convert

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractArchive unpacks a source package into destDir. Top-level tars
// are expanded first; gzipped members inside (the usual arXiv layout)
// are expanded in place so the TeX sources end up as plain files.
func ExtractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	name := strings.ToLower(archivePath)
	if strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("read gzip header: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	if err := untar(reader, destDir); err != nil {
		return err
	}
	return expandNested(destDir)
}

func untar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent for %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("create file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close %s: %w", hdr.Name, err)
			}
		default:
			// symlinks etc. from untrusted archives are skipped
		}
	}
}

// expandNested expands gzipped members left behind by the outer tar:
// *.tar.gz into a directory named after the member, bare *.gz in place.
func expandNested(root string) error {
	var nested []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(strings.ToLower(path), ".gz") {
			nested = append(nested, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk extracted tree: %w", err)
	}

	for _, path := range nested {
		if strings.HasSuffix(strings.ToLower(path), ".tar.gz") {
			dest := path[:len(path)-len(".tar.gz")]
			if err := extractNestedTarGz(path, dest); err != nil {
				return err
			}
		} else if err := gunzipInPlace(path); err != nil {
			return err
		}
		_ = os.Remove(path)
	}
	return nil
}

func extractNestedTarGz(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open nested archive %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("nested gzip header %s: %w", path, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", destDir, err)
	}
	return untar(gz, destDir)
}

func gunzipInPlace(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip header %s: %w", path, err)
	}
	defer gz.Close()

	dest := strings.TrimSuffix(path, ".gz")
	if filepath.Ext(dest) == "" {
		// gzipped arXiv members with no inner extension are single TeX files
		dest += ".tex"
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, gz); err != nil {
		_ = out.Close()
		return fmt.Errorf("decompress %s: %w", path, err)
	}
	return out.Close()
}

// safeJoin rejects tar member names that escape the destination. The
// destination itself is inside: "./" members from tars built with
// `tar -cf pkg.tar .` resolve to it and must extract normally.
func safeJoin(destDir, name string) (string, error) {
	clean := filepath.Clean(destDir)
	target := filepath.Join(destDir, filepath.Clean(name))
	if target != clean && !strings.HasPrefix(target, clean+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member %q escapes destination", name)
	}
	return target, nil
}
