package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.RWMutex
	results  map[string]SessionRecord // key: eventID + "\x00" + sessionID
	bindings map[string]Binding
	audit    []AuditEntry
}

// NewMemory returns a Store that keeps everything in process memory.
func NewMemory() Store {
	return &memoryStore{
		results:  map[string]SessionRecord{},
		bindings: map[string]Binding{},
	}
}

func resultKey(eventID, sessionID string) string { return eventID + "\x00" + sessionID }

func (s *memoryStore) SaveResult(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := resultKey(rec.EventID, rec.ID)
	if _, ok := s.results[k]; !ok {
		s.results[k] = rec
	}
	return nil
}

func (s *memoryStore) GetResult(_ context.Context, eventID, sessionID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.results[resultKey(eventID, sessionID)]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *memoryStore) ListResults(_ context.Context, eventID string, limit int) ([]SessionRecord, error) {
	s.mu.RLock()
	var out []SessionRecord
	for _, rec := range s.results {
		if rec.EventID == eventID {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()
	return newestFirst(out, limit), nil
}

func (s *memoryStore) PruneResults(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.results {
		if rec.CompletedAt.Before(before) {
			delete(s.results, k)
			n++
		}
	}
	pruneBindings(s.bindings, s.results, before)
	return n, nil
}

// pruneBindings drops bindings created before the cutoff whose session has
// no stored result left. Bindings of live sessions are younger than any
// sensible retention window. It reports how many were dropped.
func pruneBindings(bindings map[string]Binding, results map[string]SessionRecord, before time.Time) int {
	kept := make(map[string]struct{}, len(results))
	for _, rec := range results {
		kept[rec.ID] = struct{}{}
	}
	n := 0
	for id, b := range bindings {
		if _, ok := kept[id]; ok || !b.CreatedAt.Before(before) {
			continue
		}
		delete(bindings, id)
		n++
	}
	return n
}

func (s *memoryStore) PutBinding(_ context.Context, b Binding) error {
	s.mu.Lock()
	s.bindings[b.SessionID] = b
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetBinding(_ context.Context, sessionID string) (Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[sessionID]
	if !ok {
		return Binding{}, ErrNotFound
	}
	return b, nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	s.audit = append(s.audit, e)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }
func (s *memoryStore) Close() error               { return nil }

// AuditLog returns the audit entries of a memory store; other stores return nil.
func AuditLog(st Store) []AuditEntry {
	ms, ok := st.(*memoryStore)
	if !ok {
		return nil
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]AuditEntry(nil), ms.audit...)
}

func newestFirst(recs []SessionRecord, limit int) []SessionRecord {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CompletedAt.Equal(recs[j].CompletedAt) {
			return recs[i].CompletedAt.After(recs[j].CompletedAt)
		}
		return recs[i].ID > recs[j].ID
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}
