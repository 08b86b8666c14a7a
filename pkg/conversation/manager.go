// Package conversation manages session lifecycle on top of a storage adapter:
// cached lookup, compression on save, forking and tree reconstruction.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/orbit/internal/observability"
	"github.com/harun/orbit/internal/tracing"
	"github.com/harun/orbit/pkg/session"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultCacheSize = 100
	DefaultCacheTTL  = 30 * time.Minute
)

// Config configures a Manager
type Config struct {
	CacheSize  int
	CacheTTL   time.Duration
	Compressor Compressor
	Logger     *zerolog.Logger

	// NewID allocates session ids; defaults to uuid
	NewID func() string
}

// Manager owns the session cache. Storage is the source of truth; the cache
// only saves round trips and may drop entries at any time.
type Manager struct {
	storage    session.Storage
	cache      *expirable.LRU[string, *session.Session]
	compressor Compressor
	newID      func() string
	logger     zerolog.Logger
}

// NewManager creates a manager backed by storage
func NewManager(storage session.Storage, cfg Config) *Manager {
	observability.EnsureRegistered()

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "conversation").Logger()

	m := &Manager{
		storage:    storage,
		compressor: cfg.Compressor,
		newID:      cfg.NewID,
		logger:     logger,
	}
	m.cache = expirable.NewLRU[string, *session.Session](cfg.CacheSize, func(id string, _ *session.Session) {
		m.logger.Debug().Str("sessionId", id).Msg("Session evicted from cache")
	}, cfg.CacheTTL)

	return m
}

// Storage returns the underlying storage adapter
func (m *Manager) Storage() session.Storage {
	return m.storage
}

func (m *Manager) cachePut(s *session.Session) {
	m.cache.Add(s.ID(), s)
	observability.SetCachedSessions(m.cache.Len())
}

func (m *Manager) cacheRemove(id string) {
	m.cache.Remove(id)
	observability.SetCachedSessions(m.cache.Len())
}

// IsCached reports whether id is currently cached
func (m *Manager) IsCached(id string) bool {
	return m.cache.Contains(id)
}

// CachedCount returns the number of cached sessions
func (m *Manager) CachedCount() int {
	return m.cache.Len()
}

// CreateSession allocates a new empty session, persists it and caches it
func (m *Manager) CreateSession(ctx context.Context) (*session.Session, error) {
	id := m.newID()
	ctx, span := tracing.StartSpan(ctx, tracing.TracerConversation, "conversation.create",
		attribute.String("session_id", id))
	defer span.End()

	s := session.New(id)
	if err := m.storage.Save(ctx, s); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to save new session: %w", err)
	}
	m.cachePut(s)

	observability.RecordSessionAudit(ctx, "create", id, nil)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Debug().Str("sessionId", id).Msg("Session created")
	return s, nil
}

// GetSession returns the cached session or loads it from storage
func (m *Manager) GetSession(ctx context.Context, id string) (*session.Session, error) {
	if s, ok := m.cache.Get(id); ok {
		observability.RecordSessionCache(true)
		return s, nil
	}
	observability.RecordSessionCache(false)

	ctx, span := tracing.StartSpan(ctx, tracing.TracerConversation, "conversation.load",
		attribute.String("session_id", id))
	defer span.End()

	s, err := m.storage.Load(ctx, id)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	m.cachePut(s)
	return s, nil
}

// SaveSession compresses the session when the compressor asks for it, then
// persists it. The cache is updated only after storage accepts the write; a
// failed save drops the cached entry so the next read reloads from storage.
func (m *Manager) SaveSession(ctx context.Context, s *session.Session) error {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerConversation, "conversation.save",
		attribute.String("session_id", s.ID()),
		attribute.Int("items", s.Len()))
	defer span.End()

	toSave := s
	if m.compressor != nil && m.compressor.ShouldCompress(s.Len()) {
		toSave = s.Clone()
		if err := m.compress(ctx, toSave); err != nil {
			tracing.RecordError(span, err)
			return err
		}
	}

	if err := m.storage.Save(ctx, toSave); err != nil {
		m.cacheRemove(s.ID())
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to save session %s: %w", s.ID(), err)
	}

	if toSave != s {
		s.ReplaceItems(toSave.Items())
		if summary, ok := toSave.Metadata(session.MetadataSummary); ok {
			s.SetMetadata(session.MetadataSummary, summary)
		}
	}
	m.cachePut(s)
	return nil
}

func (m *Manager) compress(ctx context.Context, s *session.Session) error {
	before := s.Len()
	result, err := m.compressor.CompressItems(ctx, s.Items())
	if err != nil {
		return fmt.Errorf("failed to compress session %s: %w", s.ID(), err)
	}

	items := make([]session.Item, 0, len(result.Items)+1)
	if result.Summary != "" {
		items = append(items, summaryItem(result.Summary))
		s.SetMetadata(session.MetadataSummary, result.Summary)
	}
	items = append(items, result.Items...)
	s.ReplaceItems(items)

	observability.RecordCompression()
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("sessionId", s.ID()).
		Int("before", before).
		Int("after", len(items)).
		Msg("Session compressed")
	return nil
}

// DeleteSession removes the session from storage and the cache
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerConversation, "conversation.delete",
		attribute.String("session_id", id))
	defer span.End()

	m.cacheRemove(id)
	if err := m.storage.Delete(ctx, id); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	observability.RecordSessionAudit(ctx, "delete", id, nil)
	return nil
}

// Evict drops id from the cache without touching storage
func (m *Manager) Evict(id string) {
	m.cacheRemove(id)
}

// ForkSession creates a new session holding a copy of the first atIndex items
// of id. The origin session is not modified.
func (m *Manager) ForkSession(ctx context.Context, id string, atIndex int) (*session.Session, error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerConversation, "conversation.fork",
		attribute.String("session_id", id),
		attribute.Int("fork_index", atIndex))
	defer span.End()

	origin, err := m.GetSession(ctx, id)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	fork, err := origin.Fork(m.newID(), atIndex)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	if err := m.storage.Save(ctx, fork); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to save fork of %s: %w", id, err)
	}
	m.cachePut(fork)

	observability.RecordFork()
	observability.RecordSessionAudit(ctx, "fork", fork.ID(), map[string]interface{}{
		"parentId":  id,
		"forkIndex": atIndex,
	})
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("sessionId", fork.ID()).
		Str("parentId", id).
		Int("forkIndex", atIndex).
		Msg("Session forked")
	return fork, nil
}

// GetSessionTree rebuilds the fork forest. An empty rootID returns every root.
func (m *Manager) GetSessionTree(ctx context.Context, rootID string) ([]*session.Tree, error) {
	return m.storage.GetSessionTree(ctx, rootID)
}

// ListSessions returns summaries of every stored session
func (m *Manager) ListSessions(ctx context.Context) ([]session.Summary, error) {
	return m.storage.ListAll(ctx)
}

// GetChildren returns the direct forks of parentID
func (m *Manager) GetChildren(ctx context.Context, parentID string) ([]session.Summary, error) {
	return m.storage.GetChildren(ctx, parentID)
}

// GetTurns returns the completed turns of a session
func (m *Manager) GetTurns(ctx context.Context, id string) ([]session.CompletedTurn, error) {
	s, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Turns(), nil
}

// AppendItems loads id, appends items to a copy and saves it. The cached
// session is replaced only when the save succeeds.
func (m *Manager) AppendItems(ctx context.Context, id string, items ...session.Item) (*session.Session, error) {
	cached, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s := cached.Clone()
	s.AddItems(items...)
	if err := m.SaveSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
