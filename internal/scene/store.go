package scene

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFlushDelay  = time.Second
	defaultIdleTimeout = 15 * time.Minute
)

var (
	errMissingAdapter = errors.New("scene: snapshot adapter is required")
	// ErrSnapshotLoad indicates that a durable snapshot could not be read or
	// decoded; the document is not served rather than silently started empty.
	ErrSnapshotLoad = errors.New("scene: snapshot load failed")
)

// SnapshotAdapter reads and writes durable snapshots for scene documents.
type SnapshotAdapter interface {
	Load(ctx context.Context, docID DocumentID) ([]byte, bool, error)
	Save(ctx context.Context, docID DocumentID, blob []byte) error
}

// StoreConfig describes the dependencies of a document store.
type StoreConfig struct {
	Adapter     SnapshotAdapter
	FlushDelay  time.Duration
	IdleTimeout time.Duration
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Store is the process-wide registry of live scene documents. There is
// exactly one authoritative in-memory document per identifier; every session
// for that document shares the same handle. Documents idle beyond the
// configured timeout and no longer referenced are flushed and dropped by the
// background sweep.
type Store struct {
	mu          sync.Mutex
	documents   map[DocumentID]*Handle
	adapter     SnapshotAdapter
	flushDelay  time.Duration
	idleTimeout time.Duration
	logger      *zap.Logger
	clock       func() time.Time
}

// Handle is a shared reference to one live document. Callers release the
// handle when they no longer need the document so the sweep can evict it.
type Handle struct {
	store *Store
	docID DocumentID
	doc   *Document

	flusher *flusher

	mu         sync.Mutex
	refs       int
	lastActive time.Time
}

// Document returns the shared in-memory document.
func (h *Handle) Document() *Document {
	return h.doc
}

// DocID returns the document identifier the handle refers to.
func (h *Handle) DocID() DocumentID {
	return h.docID
}

// Release drops one reference to the handle.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.refs > 0 {
		h.refs--
	}
	h.mu.Unlock()
}

func (h *Handle) touch(now time.Time) {
	h.mu.Lock()
	h.lastActive = now
	h.mu.Unlock()
}

func (h *Handle) evictable(now time.Time, idleTimeout time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs == 0 && now.Sub(h.lastActive) >= idleTimeout
}

// NewStore constructs a document store around the provided snapshot adapter.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Adapter == nil {
		return nil, errMissingAdapter
	}
	flushDelay := cfg.FlushDelay
	if flushDelay <= 0 {
		flushDelay = defaultFlushDelay
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		documents:   make(map[DocumentID]*Handle),
		adapter:     cfg.Adapter,
		flushDelay:  flushDelay,
		idleTimeout: idleTimeout,
		logger:      logger,
		clock:       clock,
	}, nil
}

// GetOrCreate returns the shared handle for a document, loading its durable
// snapshot on first request and starting from an empty document when none
// exists. The returned handle must be released when no longer needed.
func (s *Store) GetOrCreate(ctx context.Context, docID DocumentID) (*Handle, error) {
	if docID == "" {
		return nil, ErrInvalidDocumentID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if handle, ok := s.documents[docID]; ok {
		handle.mu.Lock()
		handle.refs++
		handle.lastActive = s.clock()
		handle.mu.Unlock()
		return handle, nil
	}

	doc := NewDocument("")
	blob, found, err := s.adapter.Load(ctx, docID)
	if err != nil {
		s.logger.Error("snapshot load failed",
			zap.String("doc_id", docID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrSnapshotLoad, err)
	}
	if found {
		if err := doc.DecodeFullState(blob); err != nil {
			s.logger.Error("snapshot decode failed",
				zap.String("doc_id", docID.String()),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrSnapshotLoad, err)
		}
	}

	handle := &Handle{
		store:      s,
		docID:      docID,
		doc:        doc,
		refs:       1,
		lastActive: s.clock(),
	}
	handle.flusher = newFlusher(s.flushDelay, func(saveCtx context.Context) error {
		return s.adapter.Save(saveCtx, docID, doc.EncodeFullState())
	}, s.logger)

	doc.OnUpdate(func() {
		handle.touch(s.clock())
		handle.flusher.Notify()
	})

	s.documents[docID] = handle
	return handle, nil
}

// Run sweeps idle documents until the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle(ctx)
		}
	}
}

// FlushAll writes every dirty document immediately; used on shutdown.
func (s *Store) FlushAll(ctx context.Context) {
	for _, handle := range s.handles() {
		if err := handle.flusher.Flush(ctx); err != nil {
			s.logger.Error("shutdown flush failed",
				zap.String("doc_id", handle.docID.String()),
				zap.Error(err))
		}
	}
}

func (s *Store) evictIdle(ctx context.Context) {
	now := s.clock()
	for _, handle := range s.handles() {
		if !handle.evictable(now, s.idleTimeout) {
			continue
		}
		if err := handle.flusher.Flush(ctx); err != nil {
			s.logger.Warn("eviction flush failed, keeping document",
				zap.String("doc_id", handle.docID.String()),
				zap.Error(err))
			continue
		}

		s.mu.Lock()
		handle.mu.Lock()
		if handle.refs == 0 {
			handle.flusher.Stop()
			delete(s.documents, handle.docID)
			s.logger.Info("idle document evicted", zap.String("doc_id", handle.docID.String()))
		}
		handle.mu.Unlock()
		s.mu.Unlock()
	}
}

func (s *Store) handles() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	handles := make([]*Handle, 0, len(s.documents))
	for _, handle := range s.documents {
		handles = append(handles, handle)
	}
	return handles
}
