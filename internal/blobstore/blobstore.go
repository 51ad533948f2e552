// Package blobstore provides the content-addressed file area that sits
// beside the account database and holds attachments and avatars.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/deltachat/dccore/internal/coreerr"
)

// Store manages the blob directory for one account context. Directory and
// file permissions follow the same owner-only discipline as the database
// file (0700 dirs, 0600 files) since blobs may contain message content.
type Store struct {
	dir string
}

// Open ensures the blob directory exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, coreerr.New(coreerr.IOError, "blobstore.Open", fmt.Errorf("create blob directory: %w", err))
	}
	return &Store{dir: dir}, nil
}

// Dir returns the blob directory path.
func (s *Store) Dir() string { return s.dir }

// blobPath fans files out into two-level subdirectories by the first four
// hex characters of their name to keep any single directory from growing
// unbounded as attachments accumulate.
func (s *Store) blobPath(name string) string {
	if len(name) < 4 {
		return filepath.Join(s.dir, name)
	}
	return filepath.Join(s.dir, name[:2], name[2:4], name)
}

// Put writes data under a content-addressed name (sha256 of data, with the
// original extension preserved for MIME sniffing convenience) and returns
// the stored path. Writing the same content twice is idempotent and
// returns the existing path without rewriting the file.
func (s *Store) Put(data []byte, ext string) (path string, err error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:])
	if ext != "" {
		name += ext
	}

	full := s.blobPath(name)
	if _, statErr := os.Stat(full); statErr == nil {
		return full, nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return "", coreerr.New(coreerr.IOError, "blobstore.Put", fmt.Errorf("create blob subdir: %w", err))
	}
	if err := os.WriteFile(full, data, 0600); err != nil {
		return "", coreerr.New(coreerr.IOError, "blobstore.Put", fmt.Errorf("write blob: %w", err))
	}
	return full, nil
}

// PutFromReader streams r into a content-addressed blob without buffering
// the whole payload, used for large inbound attachments.
func (s *Store) PutFromReader(r io.Reader, ext string) (path string, err error) {
	tmp, err := os.CreateTemp(s.dir, "incoming-*")
	if err != nil {
		return "", coreerr.New(coreerr.IOError, "blobstore.PutFromReader", fmt.Errorf("create temp file: %w", err))
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		return "", coreerr.New(coreerr.IOError, "blobstore.PutFromReader", fmt.Errorf("copy blob: %w", err))
	}

	name := hex.EncodeToString(h.Sum(nil))
	if ext != "" {
		name += ext
	}
	full := s.blobPath(name)

	if _, statErr := os.Stat(full); statErr == nil {
		return full, nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0700); err != nil {
		return "", coreerr.New(coreerr.IOError, "blobstore.PutFromReader", fmt.Errorf("create blob subdir: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", coreerr.New(coreerr.IOError, "blobstore.PutFromReader", fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", coreerr.New(coreerr.IOError, "blobstore.PutFromReader", fmt.Errorf("rename blob into place: %w", err))
	}
	if err := os.Chmod(full, 0600); err != nil {
		return "", coreerr.New(coreerr.IOError, "blobstore.PutFromReader", fmt.Errorf("chmod blob: %w", err))
	}
	return full, nil
}

// CopyExternal copies a file the host passed in by path into the blob
// store unless it is already inside it, so a message's file reference
// remains valid for the message's lifetime regardless of what the host
// later does with its original file.
func (s *Store) CopyExternal(srcPath string) (path string, err error) {
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return "", err
	}
	absSrc, err := filepath.Abs(srcPath)
	if err != nil {
		return "", err
	}
	if rel, relErr := filepath.Rel(absDir, absSrc); relErr == nil && rel != ".." && len(rel) > 0 && rel[0] != '.' {
		return absSrc, nil
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", coreerr.New(coreerr.IOError, "blobstore.CopyExternal", fmt.Errorf("open source: %w", err))
	}
	defer f.Close()

	return s.PutFromReader(f, filepath.Ext(srcPath))
}

// Remove deletes a blob by path. Missing files are not an error: the
// message row may have already been garbage-collected by the time the
// underlying file is cleaned up.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return coreerr.New(coreerr.IOError, "blobstore.Remove", err)
	}
	return nil
}
