// Package results packs job outputs into downloadable bundles and unpacks them again.
package results

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// ErrUnsafePath is returned when an archive entry would escape the destination
var ErrUnsafePath = errors.New("archive entry escapes destination")

// ErrTooLarge is returned when extraction exceeds its byte limit
var ErrTooLarge = errors.New("archive exceeds size limit")

// Archive writes srcDir as a gzip-compressed tar stream to w. Entry names
// are relative to srcDir.
func Archive(afs afero.Fs, srcDir string, w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := afero.Walk(afs, srcDir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		switch {
		case info.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				ModTime:  info.ModTime(),
			})
		case info.Mode().IsRegular():
			return writeFile(afs, tw, p, name, info)
		default:
			// Symlinks and devices are not carried across
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", srcDir, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return nil
}

func writeFile(afs afero.Fs, tw *tar.Writer, p, name string, info fs.FileInfo) error {
	f, err := afs.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Extract unpacks a gzip-compressed tar stream into destDir. Entries that
// would land outside destDir are rejected. limit caps the total number of
// extracted bytes; zero means unlimited.
func Extract(afs afero.Fs, r io.Reader, destDir string, limit int64) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	if err := afs.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", destDir, err)
	}

	tr := tar.NewReader(gz)
	var written int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := afs.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
		case tar.TypeReg:
			if limit > 0 && written+hdr.Size > limit {
				return fmt.Errorf("%w: %d bytes", ErrTooLarge, limit)
			}
			n, err := extractFile(afs, tr, target, hdr)
			written += n
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported entry type for %s", ErrUnsafePath, hdr.Name)
		}
	}
}

func extractFile(afs afero.Fs, r io.Reader, target string, hdr *tar.Header) (int64, error) {
	if err := afs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create parent of %s: %w", target, err)
	}

	mode := os.FileMode(hdr.Mode).Perm() | 0o600
	f, err := afs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(r, hdr.Size))
	if err != nil {
		return n, fmt.Errorf("failed to write %s: %w", target, err)
	}
	return n, nil
}

// safeJoin resolves name under dir, refusing absolute paths and parent escapes
func safeJoin(dir, name string) (string, error) {
	slashed := strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(slashed, "/") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}
	}
	return filepath.Join(dir, filepath.FromSlash(path.Clean(slashed))), nil
}
