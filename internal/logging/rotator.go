package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotateOptions controls when FileRotator rolls a file and what it keeps.
type RotateOptions struct {
	MaxSizeMB  int64
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FileRotator is an io.Writer over a log file that rolls it by size.
// Rolled files are named <base>-<timestamp><ext>, optionally gzipped.
type FileRotator struct {
	path string
	opts RotateOptions

	mu   sync.Mutex
	file *os.File
	size int64

	// now is replaced in tests.
	now func() time.Time
}

// NewFileRotator opens (or creates) path for appending.
func NewFileRotator(path string, opts RotateOptions) (*FileRotator, error) {
	if path == "" {
		return nil, fmt.Errorf("rotator: empty log path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("rotator: create log dir: %w", err)
	}

	r := &FileRotator{path: path, opts: opts, now: time.Now}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("rotator: open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("rotator: stat: %w", err)
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	if limit := r.opts.MaxSizeMB * 1024 * 1024; limit > 0 && r.size > 0 && r.size+int64(len(p)) > limit {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// Rotate rolls the current file immediately.
func (r *FileRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotate()
}

func (r *FileRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("rotator: close: %w", err)
		}
		r.file = nil
	}

	rolled := r.rolledName(r.now())
	if err := os.Rename(r.path, rolled); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotator: rename: %w", err)
	}

	if r.opts.Compress {
		if err := gzipFile(rolled); err != nil {
			return err
		}
	}

	if err := r.open(); err != nil {
		return err
	}

	r.prune()
	return nil
}

func (r *FileRotator) rolledName(t time.Time) string {
	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(r.path, ext)
	name := fmt.Sprintf("%s-%s%s", stem, t.UTC().Format("20060102T150405.000000000"), ext)
	return name
}

func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("rotator: compress: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("rotator: compress: %w", err)
	}

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("rotator: compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(path + ".gz")
		return fmt.Errorf("rotator: compress: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("rotator: compress: %w", err)
	}
	return os.Remove(path)
}

// Backups lists rolled files, oldest first.
func (r *FileRotator) Backups() ([]string, error) {
	ext := filepath.Ext(r.path)
	stem := strings.TrimSuffix(r.path, ext)
	matches, err := filepath.Glob(stem + "-*" + ext + "*")
	if err != nil {
		return nil, err
	}
	// Timestamps sort lexically.
	sort.Strings(matches)
	return matches, nil
}

func (r *FileRotator) prune() {
	backups, err := r.Backups()
	if err != nil {
		return
	}

	if r.opts.MaxBackups > 0 && len(backups) > r.opts.MaxBackups {
		excess := len(backups) - r.opts.MaxBackups
		for _, p := range backups[:excess] {
			os.Remove(p)
		}
		backups = backups[excess:]
	}

	if r.opts.MaxAgeDays > 0 {
		cutoff := r.now().AddDate(0, 0, -r.opts.MaxAgeDays)
		for _, p := range backups {
			if info, err := os.Stat(p); err == nil && info.ModTime().Before(cutoff) {
				os.Remove(p)
			}
		}
	}
}

// Sync flushes the current file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}

// Close closes the current file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
