package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "crosspost/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.results.snapshot.json (compacted results)
//   - <prefix>.results.jsonl         (append-only journal)
//   - <prefix>.bindings.jsonl        (append-only, rewritten on prune)
//   - <prefix>.audit.jsonl           (append-only)
//
// Everything is loaded into memory on open. The results journal is
// compacted into the snapshot on prune and every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	bindingsPath string
	journal      *os.File
	bindingsFile *os.File
	auditFile    *os.File

	results  map[string]SessionRecord
	bindings map[string]Binding
	writes   int
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".results.snapshot.json",
		bindingsPath: prefix + ".bindings.jsonl",
		results:      map[string]SessionRecord{},
		bindings:     map[string]Binding{},
	}

	if err := loadSnapshot(s.snapshotPath, s.results); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("results snapshot unreadable; starting from journal", logx.Err(err))
	}
	_ = replayJSONL(prefix+".results.jsonl", func(b []byte) {
		var rec SessionRecord
		if json.Unmarshal(b, &rec) == nil && rec.ID != "" {
			k := resultKey(rec.EventID, rec.ID)
			if _, ok := s.results[k]; !ok {
				s.results[k] = rec
			}
		}
	})
	_ = replayJSONL(s.bindingsPath, func(b []byte) {
		var bd Binding
		if json.Unmarshal(b, &bd) == nil && bd.SessionID != "" {
			s.bindings[bd.SessionID] = bd
		}
	})

	var err error
	if s.journal, err = openAppend(prefix + ".results.jsonl"); err != nil {
		return nil, err
	}
	if s.bindingsFile, err = openAppend(s.bindingsPath); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.auditFile, err = openAppend(prefix + ".audit.jsonl"); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.journal, &s.bindingsFile, &s.auditFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) SaveResult(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	k := resultKey(rec.EventID, rec.ID)
	if _, ok := s.results[k]; ok {
		return nil
	}
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.results[k] = rec

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("results compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetResult(_ context.Context, eventID, sessionID string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.results[resultKey(eventID, sessionID)]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *fileStore) ListResults(_ context.Context, eventID string, limit int) ([]SessionRecord, error) {
	s.mu.Lock()
	var out []SessionRecord
	for _, rec := range s.results {
		if rec.EventID == eventID {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()
	return newestFirst(out, limit), nil
}

func (s *fileStore) PruneResults(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	n := 0
	for k, rec := range s.results {
		if rec.CompletedAt.Before(before) {
			delete(s.results, k)
			n++
		}
	}
	var errs []error
	if n > 0 {
		errs = append(errs, s.compactLocked())
	}
	if pruneBindings(s.bindings, s.results, before) > 0 {
		errs = append(errs, s.rewriteBindingsLocked())
	}
	return n, errors.Join(errs...)
}

func (s *fileStore) PutBinding(_ context.Context, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindingsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.bindingsFile).Encode(b); err != nil {
		return err
	}
	s.bindings[b.SessionID] = b
	return nil
}

func (s *fileStore) GetBinding(_ context.Context, sessionID string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[sessionID]
	if !ok {
		return Binding{}, ErrNotFound
	}
	return b, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return nil
}

// compactLocked writes all results to the snapshot and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	recs := make([]SessionRecord, 0, len(s.results))
	for _, rec := range s.results {
		recs = append(recs, rec)
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

// rewriteBindingsLocked replaces the bindings journal with the live set and
// reopens the append handle on the new file.
func (s *fileStore) rewriteBindingsLocked() error {
	tmp := s.bindingsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, b := range s.bindings {
		if err := enc.Encode(b); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.bindingsPath); err != nil {
		return err
	}
	nf, err := openAppend(s.bindingsPath)
	if err != nil {
		return err
	}
	_ = s.bindingsFile.Close()
	s.bindingsFile = nf
	return nil
}

func loadSnapshot(path string, out map[string]SessionRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []SessionRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, rec := range recs {
		out[resultKey(rec.EventID, rec.ID)] = rec
	}
	return nil
}

func replayJSONL(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if b := sc.Bytes(); len(b) > 0 {
			fn(b)
		}
	}
	return sc.Err()
}
