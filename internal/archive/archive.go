// Package archive validates uploaded code bundles and unpacks them
// into isolated scratch directories.
package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
)

// Options bound the accepted archive shape.
type Options struct {
	MaxArchiveBytes  int64
	MaxUnpackedBytes int64
	MaxEntries       int
	ScratchDir       string // empty means the system temp dir
}

// Validate checks the archive against the configured limits without
// extracting anything. Every entry name is checked for path traversal
// before any byte would be written. Returns the number of file entries.
func Validate(data []byte, opts Options) (int, error) {
	zr, err := open(data, opts)
	if err != nil {
		return 0, err
	}

	files := 0
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			files++
		}
	}
	return files, nil
}

// Unpack validates data and extracts it into a fresh, uniquely-named
// scratch directory. The caller owns the returned directory and must
// remove it.
func Unpack(data []byte, opts Options) (string, int, error) {
	zr, err := open(data, opts)
	if err != nil {
		return "", 0, err
	}

	dir, err := os.MkdirTemp(opts.ScratchDir, "review-ws-")
	if err != nil {
		return "", 0, domain.NewStageError(domain.ErrKindInternal, "create scratch dir: %v", err)
	}

	files, err := extract(zr, dir, opts)
	if err != nil {
		os.RemoveAll(dir)
		return "", 0, err
	}
	return dir, files, nil
}

func open(data []byte, opts Options) (*zip.Reader, error) {
	if opts.MaxArchiveBytes > 0 && int64(len(data)) > opts.MaxArchiveBytes {
		return nil, domain.NewStageError(domain.ErrKindValidation,
			"archive is %d bytes, limit is %d", len(data), opts.MaxArchiveBytes)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, domain.NewStageError(domain.ErrKindValidation, "not a valid zip archive: %v", err)
	}

	if opts.MaxEntries > 0 && len(zr.File) > opts.MaxEntries {
		return nil, domain.NewStageError(domain.ErrKindValidation,
			"archive has %d entries, limit is %d", len(zr.File), opts.MaxEntries)
	}

	var declared uint64
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return nil, err
		}
		declared += f.UncompressedSize64
	}
	if opts.MaxUnpackedBytes > 0 && declared > uint64(opts.MaxUnpackedBytes) {
		return nil, domain.NewStageError(domain.ErrKindValidation,
			"archive declares %d uncompressed bytes, limit is %d", declared, opts.MaxUnpackedBytes)
	}

	return zr, nil
}

// checkEntryName rejects any entry whose resolved path could escape the
// workspace root. This runs before any write for that entry.
func checkEntryName(name string) error {
	if name == "" {
		return domain.NewStageError(domain.ErrKindValidation, "archive contains an unnamed entry")
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return domain.NewStageError(domain.ErrKindValidation,
			"entry %q resolves outside the workspace", name)
	}
	return nil
}

func extract(zr *zip.Reader, dir string, opts Options) (int, error) {
	// Declared sizes were checked in open; the running budget guards
	// against archives whose streams expand past what their headers claim.
	remaining := opts.MaxUnpackedBytes
	files := 0

	for _, f := range zr.File {
		dest := filepath.Join(dir, filepath.FromSlash(f.Name))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return 0, domain.NewStageError(domain.ErrKindInternal, "create dir %s: %v", f.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return 0, domain.NewStageError(domain.ErrKindInternal, "create dir for %s: %v", f.Name, err)
		}

		n, err := writeEntry(f, dest, remaining)
		if err != nil {
			return 0, err
		}
		if opts.MaxUnpackedBytes > 0 {
			if n > remaining {
				return 0, domain.NewStageError(domain.ErrKindValidation,
					"archive expands beyond the %d byte limit", opts.MaxUnpackedBytes)
			}
			remaining -= n
		}
		files++
	}
	return files, nil
}

// writeEntry copies one entry to dest, reading at most remaining+1
// bytes so the caller can detect a budget overrun.
func writeEntry(f *zip.File, dest string, remaining int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, domain.NewStageError(domain.ErrKindValidation, "open entry %s: %v", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, domain.NewStageError(domain.ErrKindInternal, "create %s: %v", f.Name, err)
	}
	defer out.Close()

	var src io.Reader = rc
	if remaining > 0 {
		src = io.LimitReader(rc, remaining+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return n, domain.NewStageError(domain.ErrKindValidation, "extract entry %s: %v", f.Name, err)
	}
	return n, nil
}
