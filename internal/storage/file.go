package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "dynamix/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.exclusions.snapshot.json (periodic snapshot)
//   - <prefix>.exclusions.journal.jsonl (append-only journal)
//   - <prefix>.exemptions.json          (rewritten atomically on change)
//   - <prefix>.audit.jsonl              (append-only JSON Lines)
//
// The journal is periodically compacted into the snapshot. A missing or
// corrupt file loads as empty state; over-excluding is cosmetic while
// under-excluding merely risks an immediate repeat, so neither is fatal.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	exclSnapshotPath string
	exclJournalFile  *os.File
	excl             map[string]map[string]int64 // library -> collection -> unix milli

	exemptionsPath string
	exemptions     map[string]map[string]Exemption // library -> collection

	exclWrites int
}

type exclRecord struct {
	// Op is "put" (default when empty) or "reset".
	Op         string `json:"op,omitempty"`
	Library    string `json:"library"`
	Collection string `json:"collection,omitempty"`
	Until      int64  `json:"until,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".exclusions.snapshot.json"
	journalPath := prefix + ".exclusions.journal.jsonl"
	exemptPath := prefix + ".exemptions.json"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load exclusions from snapshot + journal; fail-open on both.
	excl := map[string]map[string]int64{}
	if err := loadExclSnapshot(snapPath, excl); err != nil && !os.IsNotExist(err) {
		log.Warn("exclusion snapshot unreadable; starting empty", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayExclJournal(journalPath, excl); err != nil && !os.IsNotExist(err) {
		log.Warn("exclusion journal unreadable; partial replay", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	exemptions := map[string]map[string]Exemption{}
	if err := loadExemptions(exemptPath, exemptions); err != nil && !os.IsNotExist(err) {
		log.Warn("exemptions file unreadable; starting empty", logx.String("path", exemptPath), logx.Err(err))
	}

	return &fileStore{
		log:              log,
		auditFile:        af,
		exclSnapshotPath: snapPath,
		exclJournalFile:  jf,
		excl:             excl,
		exemptionsPath:   exemptPath,
		exemptions:       exemptions,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.exclJournalFile != nil {
		err2 = s.exclJournalFile.Close()
		s.exclJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// ---- Exclusions ----

func (s *fileStore) PutExclusion(ctx context.Context, library, collection string, until time.Time) error {
	_ = ctx
	library = strings.TrimSpace(library)
	collection = strings.TrimSpace(collection)
	if library == "" || collection == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exclJournalFile == nil {
		return errors.New("exclusion journal closed")
	}
	lib := s.excl[library]
	if lib == nil {
		lib = map[string]int64{}
		s.excl[library] = lib
	}
	lib[collection] = ms

	return s.appendJournalLocked(exclRecord{Library: library, Collection: collection, Until: ms})
}

func (s *fileStore) GetExclusion(ctx context.Context, library, collection string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	lib := s.excl[library]
	if lib == nil {
		return time.Time{}, false, nil
	}
	ms, ok := lib[collection]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) ListExclusions(ctx context.Context, library string) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]time.Time{}
	for id, ms := range s.excl[library] {
		out[id] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *fileStore) ResetExclusions(ctx context.Context, library string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(s.excl[library])
	if dropped == 0 {
		return 0, nil
	}
	delete(s.excl, library)
	if s.exclJournalFile == nil {
		return dropped, errors.New("exclusion journal closed")
	}
	return dropped, s.appendJournalLocked(exclRecord{Op: "reset", Library: library})
}

func (s *fileStore) PruneExpired(ctx context.Context, now time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.UnixMilli()
	changed := false
	for lib, m := range s.excl {
		for id, ms := range m {
			if ms <= cutoff {
				delete(m, id)
				changed = true
			}
		}
		if len(m) == 0 {
			delete(s.excl, lib)
		}
	}
	if !changed {
		return nil
	}
	// Compact so the pruned entries leave the journal too.
	return s.compactLocked()
}

func (s *fileStore) appendJournalLocked(r exclRecord) error {
	enc := json.NewEncoder(s.exclJournalFile)
	if err := enc.Encode(r); err != nil {
		return err
	}
	s.exclWrites++
	if s.exclWrites%256 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("exclusion compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.exclSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.excl); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.exclSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if s.exclJournalFile == nil {
		return nil
	}
	if err := s.exclJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.exclJournalFile.Seek(0, 2)
	return err
}

func loadExclSnapshot(path string, out map[string]map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for lib, entries := range m {
		dst := out[lib]
		if dst == nil {
			dst = map[string]int64{}
			out[lib] = dst
		}
		for id, until := range entries {
			dst[id] = until
		}
	}
	return nil
}

func replayExclJournal(path string, out map[string]map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r exclRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Library == "" {
			continue
		}
		if r.Op == "reset" {
			delete(out, r.Library)
			continue
		}
		if r.Collection == "" {
			continue
		}
		lib := out[r.Library]
		if lib == nil {
			lib = map[string]int64{}
			out[r.Library] = lib
		}
		lib[r.Collection] = r.Until
	}
	return sc.Err()
}

// ---- Exemptions ----

func (s *fileStore) PutExemption(ctx context.Context, e Exemption) error {
	_ = ctx
	e.Library = strings.TrimSpace(e.Library)
	e.Collection = strings.TrimSpace(e.Collection)
	if e.Library == "" || e.Collection == "" {
		return nil
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lib := s.exemptions[e.Library]
	if lib == nil {
		lib = map[string]Exemption{}
		s.exemptions[e.Library] = lib
	}
	lib[e.Collection] = e
	return s.writeExemptionsLocked()
}

func (s *fileStore) DeleteExemption(ctx context.Context, library, collection string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	lib := s.exemptions[library]
	if lib == nil {
		return nil
	}
	if _, ok := lib[collection]; !ok {
		return nil
	}
	delete(lib, collection)
	if len(lib) == 0 {
		delete(s.exemptions, library)
	}
	return s.writeExemptionsLocked()
}

func (s *fileStore) GetExemption(ctx context.Context, library, collection string) (Exemption, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	lib := s.exemptions[library]
	if lib == nil {
		return Exemption{}, false, nil
	}
	e, ok := lib[collection]
	return e, ok, nil
}

func (s *fileStore) ListExemptions(ctx context.Context, library string) ([]Exemption, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exemption, 0, len(s.exemptions[library]))
	for _, e := range s.exemptions[library] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collection < out[j].Collection })
	return out, nil
}

// writeExemptionsLocked rewrites the whole exemptions file. The set is tiny
// (user-curated), so atomic rewrite beats journaling here.
func (s *fileStore) writeExemptionsLocked() error {
	all := make([]Exemption, 0, 16)
	for _, lib := range s.exemptions {
		for _, e := range lib {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Library != all[j].Library {
			return all[i].Library < all[j].Library
		}
		return all[i].Collection < all[j].Collection
	})

	tmp := s.exemptionsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(all); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.exemptionsPath)
}

func loadExemptions(path string, out map[string]map[string]Exemption) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []Exemption
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	for _, e := range all {
		if e.Library == "" || e.Collection == "" {
			continue
		}
		lib := out[e.Library]
		if lib == nil {
			lib = map[string]Exemption{}
			out[e.Library] = lib
		}
		lib[e.Collection] = e
	}
	return nil
}

// ---- Audit ----

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
