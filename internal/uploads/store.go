// Package uploads stores submitted SVG files on disk. Files are named by
// BLAKE3 content hash, so resubmitting the same drawing reuses the same file
// and nothing user-controlled ends up in a filesystem path.
package uploads

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// hashNameLen is the number of hex characters of the BLAKE3 hash used in the
// stored filename. 32 chars (128 bits) is plenty for a single-plotter spool.
const hashNameLen = 32

var (
	// ErrNotSVG is returned when the uploaded filename is not an .svg file.
	ErrNotSVG = errors.New("file is not an SVG")

	// ErrTooLarge is returned when the upload exceeds the configured cap.
	ErrTooLarge = errors.New("file exceeds maximum size")
)

// Store writes uploads into a single flat directory.
type Store struct {
	dir      string
	maxBytes int64
}

func New(dir string, maxSizeMB int) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("uploads directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	return &Store{dir: dir, maxBytes: int64(maxSizeMB) * 1024 * 1024}, nil
}

func (s *Store) Dir() string { return s.dir }

// MaxBytes returns the configured upload size cap.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save streams r to disk and returns the stored path. The content is hashed
// while it is written; the temp file is then renamed to <hash>.svg. filename
// is only used for the extension check.
func (s *Store) Save(filename string, r io.Reader) (string, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".svg") {
		return "", fmt.Errorf("%w: %s", ErrNotSVG, filename)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName) // no-op after a successful rename
	}()

	hasher := blake3.New()
	// Read one byte past the cap so oversized uploads are detected without
	// buffering them whole.
	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	if n > s.maxBytes {
		return "", fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, s.maxBytes)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: file is empty", ErrNotSVG)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	sum := hasher.Sum(nil)
	name := hex.EncodeToString(sum)[:hashNameLen] + ".svg"
	dest := filepath.Join(s.dir, name)

	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	return dest, nil
}

// Remove deletes a stored file. Paths outside the uploads directory are
// refused; a missing file is not an error (two jobs can share one upload).
func (s *Store) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return fmt.Errorf("resolve uploads directory: %w", err)
	}
	if filepath.Dir(abs) != absDir {
		return fmt.Errorf("path %s is outside the uploads directory", path)
	}

	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}
