// Package tempstore manages the per-process temp-file root used by C3 to
// stream target responses to disk, grounded on the source's
// output_file_folder convention and its path-traversal guard in
// zip_response() (original_source/web-agent/app/worker.py).
package tempstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Root is the scoped temp directory under which every task's response file
// (and its gzip sibling) is created. Each task gets a unique name that
// includes its taskId and a random suffix; there is no cross-task sharing
// (spec §5).
type Root struct {
	dir string
}

func NewRoot(dir string) (*Root, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tempstore: create root %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("tempstore: resolve root %s: %w", dir, err)
	}
	return &Root{dir: abs}, nil
}

func (r *Root) Dir() string { return r.dir }

// Create opens an exclusive file for a task's response body, named so
// concurrent tasks never collide.
func (r *Root) Create(taskID, token, suffix string) (*os.File, error) {
	name := fmt.Sprintf("output_%s_%s%s", taskID, token, suffix)
	path := filepath.Join(r.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("tempstore: create %s: %w", name, err)
	}
	return f, nil
}

// SiblingPath returns the path for a sibling file (e.g. the gzip companion)
// next to an existing temp file, guarding against path traversal the same
// way the source's zip_response() does (`Path(...).is_relative_to(tmpdir)`).
func (r *Root) SiblingPath(base string, suffix string) (string, error) {
	name := strings.TrimSuffix(filepath.Base(base), filepath.Ext(base)) + suffix
	path := filepath.Join(r.dir, name)
	if err := r.mustContain(path); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Root) mustContain(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(r.dir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("tempstore: %s escapes root %s", path, r.dir)
	}
	return nil
}

// Remove deletes a file if present, swallowing "already gone" so repeated
// cleanup calls on every C3 exit path (success, timeout, panic) are safe.
func Remove(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
