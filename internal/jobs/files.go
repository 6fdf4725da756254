package jobs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/google/uuid"
)

// FileStore keeps uploaded documents on local disk until a worker picks them up
type FileStore struct {
	dir string
}

// NewFileStore creates the upload directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save writes r to a fresh file and returns its reference and size.
// Reading stops one byte past maxSize so oversized uploads are rejected
// without buffering them.
func (f *FileStore) Save(ownerID, filename string, r io.Reader, maxSize int64) (string, int64, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(filename))
	dir := filepath.Join(f.dir, sanitizeSegment(ownerID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, apierrors.Transient("files.save", err)
	}
	path := filepath.Join(dir, name)

	out, err := os.Create(path)
	if err != nil {
		return "", 0, apierrors.Transient("files.save", err)
	}
	n, err := io.Copy(out, io.LimitReader(r, maxSize+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, apierrors.Transient("files.save", err)
	}
	if n > maxSize {
		os.Remove(path)
		return "", 0, ErrFileTooLarge
	}
	if n == 0 {
		os.Remove(path)
		return "", 0, ErrEmptyFile
	}
	return path, n, nil
}

// Remove deletes a stored upload, ignoring missing files
func (f *FileStore) Remove(ref string) {
	if ref == "" {
		return
	}
	os.Remove(ref)
}

func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "_"
	}
	return s
}
