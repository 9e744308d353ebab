package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"quillsync/api/internal/store"
)

const rebuildTimeout = 30 * time.Second

var errIndexUnavailable = errors.New("search index unavailable")

// Index is an external search engine that can go away and come back.
type Index interface {
	Searcher
	Healthy() bool
	IndexDocument(doc DocumentRecord) error
	DeleteDocument(id string) error
	// ReplaceAll drops every indexed document and indexes docs in their place.
	ReplaceAll(docs []DocumentRecord) error
}

// RecordSource loads every document for a full index rebuild.
type RecordSource func(ctx context.Context) ([]DocumentRecord, error)

// Service is the facade that tries the external index first and falls back to
// the store.
type Service struct {
	index    Index
	fallback Searcher
	log      logrus.FieldLogger
	pending  sync.WaitGroup
	source   RecordSource

	mu         sync.Mutex
	synced     bool
	generation uint64
	rebuilding bool
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index Index, fallback Searcher, log logrus.FieldLogger) *Service {
	return &Service{
		index:    index,
		fallback: fallback,
		log:      log.WithField("component", "search"),
		synced:   true,
	}
}

// WithRebuild gives the service a way to repopulate the index. The index is
// then treated as stale until Rebuild succeeds, and again whenever a write
// cannot reach it. Searches use the fallback while it is stale.
func (s *Service) WithRebuild(source RecordSource) *Service {
	s.source = source
	s.synced = s.index == nil
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("index search failed, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.WithError(err).Error("fallback search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// indexReady reports whether searches can go to the index. A healthy but
// stale index starts a background rebuild and is skipped for this call.
func (s *Service) indexReady() bool {
	if s.index == nil || !s.index.Healthy() {
		return false
	}
	s.mu.Lock()
	synced, rebuilding := s.synced, s.rebuilding
	s.mu.Unlock()
	if !synced && !rebuilding {
		s.rebuildAsync()
	}
	return synced
}

// IndexDocument pushes a document's title and members to the index in the
// background.
func (s *Service) IndexDocument(doc store.Document) {
	if s.index == nil {
		return
	}
	s.noteWrite()
	if !s.index.Healthy() {
		s.markStale()
		return
	}
	record := RecordFor(doc)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.IndexDocument(record); err != nil {
			s.markStale()
			s.log.WithError(err).WithField("document_id", record.ID).Warn("index document")
		}
	}()
}

// DeleteDocument removes a document from the index in the background.
func (s *Service) DeleteDocument(id string) {
	if s.index == nil {
		return
	}
	s.noteWrite()
	if !s.index.Healthy() {
		s.markStale()
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.DeleteDocument(id); err != nil {
			s.markStale()
			s.log.WithError(err).WithField("document_id", id).Warn("delete document from index")
		}
	}()
}

// Rebuild replaces the index contents with every document from the record
// source. The index only counts as current again if no write raced the
// rebuild; otherwise the next search retries.
func (s *Service) Rebuild(ctx context.Context) error {
	if s.index == nil || s.source == nil {
		return nil
	}
	s.mu.Lock()
	if s.rebuilding {
		s.mu.Unlock()
		return nil
	}
	s.rebuilding = true
	generation := s.generation
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.rebuilding = false
		s.mu.Unlock()
	}()

	if !s.index.Healthy() {
		return errIndexUnavailable
	}
	records, err := s.source(ctx)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	if err := s.index.ReplaceAll(records); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}

	s.mu.Lock()
	current := s.generation == generation
	if current {
		s.synced = true
	}
	s.mu.Unlock()
	if current {
		s.log.WithField("documents", len(records)).Info("search index rebuilt")
	}
	return nil
}

func (s *Service) rebuildAsync() {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
		defer cancel()
		if err := s.Rebuild(ctx); err != nil {
			s.log.WithError(err).Warn("search index rebuild failed")
		}
	}()
}

func (s *Service) noteWrite() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

// markStale records that the index missed a write. Without a record source
// there is no way to catch up, so the index keeps serving.
func (s *Service) markStale() {
	if s.source == nil {
		return
	}
	s.mu.Lock()
	s.synced = false
	s.generation++
	s.mu.Unlock()
}

// Wait blocks until background index updates have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
