package logger

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

// RotationConfig configures a RotatingWriter
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// RotatingWriter is a size-based rotating log file. Safe for concurrent use.
type RotatingWriter struct {
	cfg     RotationConfig
	maxSize int64

	mu          sync.Mutex
	currentFile *os.File
	currentSize int64
	wg          sync.WaitGroup
}

func openAppend(filename string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// NewRotatingWriter opens cfg.Filename for appending
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	file, err := openAppend(cfg.Filename)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize <= 0 {
		maxSize = 1
	}

	w := &RotatingWriter{
		cfg:         cfg,
		maxSize:     maxSize,
		currentFile: file,
		currentSize: info.Size(),
	}
	w.prune()
	return w, nil
}

// Write appends p, rotating first if p would push the file past its limit
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return 0, os.ErrClosed
	}

	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the current file and waits for pending compression
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.currentFile != nil {
		err = w.currentFile.Close()
		w.currentFile = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", w.cfg.Filename, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(w.cfg.Filename, rotated); err != nil {
		return err
	}

	if w.cfg.Compress {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			_ = compressFile(rotated)
			w.prune()
		}()
	} else {
		w.prune()
	}

	file, err := openAppend(w.cfg.Filename)
	if err != nil {
		return err
	}
	w.currentFile = file
	w.currentSize = 0
	return nil
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(filename)
}

type backup struct {
	path    string
	modTime time.Time
}

// backups lists rotated files, newest first
func (w *RotatingWriter) backups() []backup {
	base := filepath.Base(w.cfg.Filename)
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(w.cfg.Filename), base+".*"))
	if err != nil {
		return nil
	}

	var out []backup
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		out = append(out, backup{path: m, modTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].modTime.After(out[j].modTime)
	})
	return out
}

// prune removes rotated files older than MaxAgeDays or beyond MaxBackups
func (w *RotatingWriter) prune() {
	files := w.backups()
	cutoff := time.Now().AddDate(0, 0, -w.cfg.MaxAgeDays)

	kept := 0
	for _, f := range files {
		expired := w.cfg.MaxAgeDays > 0 && f.modTime.Before(cutoff)
		overflow := w.cfg.MaxBackups > 0 && kept >= w.cfg.MaxBackups
		if expired || overflow {
			os.Remove(f.path)
			if !strings.HasSuffix(f.path, ".gz") {
				os.Remove(f.path + ".gz")
			}
			continue
		}
		kept++
	}
}
