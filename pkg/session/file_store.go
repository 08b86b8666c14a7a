package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const fileExt = ".json"

// FileStore keeps one JSON document per session in a directory
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	logger     zerolog.Logger
}

// NewFileStore creates the directory if needed. An empty dir defaults to ~/.orbit/sessions.
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".orbit", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	fs := &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		logger:     log.Logger.With().Str("component", "session.file").Logger(),
	}
	fs.logger.Debug().Str("dir", dir).Msg("File session store initialized")
	return fs, nil
}

// Dir returns the storage directory
func (fs *FileStore) Dir() string { return fs.dir }

func (fs *FileStore) path(id string) string {
	return filepath.Join(fs.dir, id+fileExt)
}

func (fs *FileStore) writeLock(id string) *sync.Mutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	if lock, ok := fs.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	fs.writeLocks[id] = lock
	return lock
}

// Save writes the session atomically through a temp file and rename
func (fs *FileStore) Save(ctx context.Context, s *Session) (err error) {
	id := s.ID()
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, id), tracing.TracerSession, "session.save",
		attribute.String("session.id", id),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
		tracing.RecordError(span, err)
	}()

	if err := ValidateID(id); err != nil {
		return err
	}

	data, err := Encode(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	lock := fs.writeLock(id)
	lock.Lock()
	defer lock.Unlock()

	tmp, err := os.CreateTemp(fs.dir, "."+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path(id)); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, fs.logger)
	logger.Debug().Int("items", s.Len()).Msg("Session saved")
	return nil
}

func (fs *FileStore) Load(ctx context.Context, id string) (_ *Session, err error) {
	_, span := tracing.StartSpan(tracing.WithSessionID(ctx, id), tracing.TracerSession, "session.load",
		attribute.String("session.id", id),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
		if !errors.Is(err, ErrNotFound) {
			tracing.RecordError(span, err)
		}
	}()

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	return Decode(data)
}

func (fs *FileStore) Delete(ctx context.Context, id string) (err error) {
	ctx, span := tracing.StartSpan(tracing.WithSessionID(ctx, id), tracing.TracerSession, "session.delete",
		attribute.String("session.id", id),
	)
	defer span.End()
	defer func() { tracing.RecordError(span, err) }()

	if err := ValidateID(id); err != nil {
		return err
	}

	lock := fs.writeLock(id)
	lock.Lock()
	err = os.Remove(fs.path(id))
	lock.Unlock()

	fs.locksMu.Lock()
	delete(fs.writeLocks, id)
	fs.locksMu.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, fs.logger)
	logger.Info().Msg("Session deleted")
	return nil
}

// ListAll decodes every session file. Unreadable files are skipped and logged.
func (fs *FileStore) ListAll(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(fs.dir, name))
		if err != nil {
			fs.logger.Warn().Err(err).Str("file", name).Msg("Failed to read session file")
			continue
		}
		s, err := Decode(data)
		if err != nil {
			fs.logger.Warn().Err(err).Str("file", name).Msg("Skipping corrupt session file")
			continue
		}
		summaries = append(summaries, s.Summary())
	}

	sortSummaries(summaries)
	return summaries, nil
}

func (fs *FileStore) GetChildren(ctx context.Context, parentID string) ([]Summary, error) {
	all, err := fs.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return filterChildren(all, parentID), nil
}

func (fs *FileStore) GetSessionTree(ctx context.Context, rootID string) ([]*Tree, error) {
	all, err := fs.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return BuildTrees(all, rootID)
}

func (fs *FileStore) Close() error { return nil }
