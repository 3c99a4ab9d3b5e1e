package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "dynamix/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestFileStoreExclusionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now()

	st := openTestStore(t, dir)
	until := now.Add(72 * time.Hour)
	if err := st.PutExclusion(ctx, "Movies", "101", until); err != nil {
		t.Fatalf("PutExclusion: %v", err)
	}
	if err := st.PutExclusion(ctx, "Shows", "202", until); err != nil {
		t.Fatalf("PutExclusion: %v", err)
	}

	got, ok, err := st.GetExclusion(ctx, "Movies", "101")
	if err != nil || !ok {
		t.Fatalf("GetExclusion: ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until = %v, want %v", got, until)
	}
	if _, ok, _ := st.GetExclusion(ctx, "Movies", "202"); ok {
		t.Fatal("cross-library leak: Movies should not see Shows entry")
	}

	// Survives a reopen.
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st = openTestStore(t, dir)
	defer st.Close()

	if _, ok, _ := st.GetExclusion(ctx, "Movies", "101"); !ok {
		t.Fatal("entry lost across reopen")
	}
	all, err := st.ListExclusions(ctx, "Shows")
	if err != nil {
		t.Fatalf("ListExclusions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 Shows entry, got %d", len(all))
	}
}

func TestFileStoreOverwriteRestartsExpiry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now()

	st := openTestStore(t, dir)
	defer st.Close()

	if err := st.PutExclusion(ctx, "Movies", "101", now.Add(time.Hour)); err != nil {
		t.Fatalf("PutExclusion: %v", err)
	}
	later := now.Add(48 * time.Hour)
	if err := st.PutExclusion(ctx, "Movies", "101", later); err != nil {
		t.Fatalf("PutExclusion overwrite: %v", err)
	}

	got, ok, _ := st.GetExclusion(ctx, "Movies", "101")
	if !ok || got.UnixMilli() != later.UnixMilli() {
		t.Fatalf("overwrite not applied: ok=%v until=%v", ok, got)
	}
}

func TestFileStoreResetIsPerLibraryAndDurable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	until := time.Now().Add(time.Hour)

	st := openTestStore(t, dir)
	_ = st.PutExclusion(ctx, "Movies", "101", until)
	_ = st.PutExclusion(ctx, "Movies", "102", until)
	_ = st.PutExclusion(ctx, "Shows", "201", until)

	dropped, err := st.ResetExclusions(ctx, "Movies")
	if err != nil {
		t.Fatalf("ResetExclusions: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if _, ok, _ := st.GetExclusion(ctx, "Movies", "101"); ok {
		t.Fatal("Movies entry survived reset")
	}
	if _, ok, _ := st.GetExclusion(ctx, "Shows", "201"); !ok {
		t.Fatal("Shows entry should survive a Movies reset")
	}

	// The reset must also hold after replaying the journal.
	_ = st.Close()
	st = openTestStore(t, dir)
	defer st.Close()
	if _, ok, _ := st.GetExclusion(ctx, "Movies", "102"); ok {
		t.Fatal("reset not durable across reopen")
	}
}

func TestFileStorePruneExpiredNotObservable(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := time.Now()

	st := openTestStore(t, dir)
	defer st.Close()

	_ = st.PutExclusion(ctx, "Movies", "old", now.Add(-time.Hour))
	_ = st.PutExclusion(ctx, "Movies", "new", now.Add(time.Hour))

	if err := st.PruneExpired(ctx, now); err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if _, ok, _ := st.GetExclusion(ctx, "Movies", "old"); ok {
		t.Fatal("expired entry still present after prune")
	}
	if _, ok, _ := st.GetExclusion(ctx, "Movies", "new"); !ok {
		t.Fatal("live entry lost by prune")
	}
}

func TestFileStoreExemptionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	err := st.PutExemption(ctx, Exemption{Library: "Movies", Collection: "101", Reason: "seasonal"})
	if err != nil {
		t.Fatalf("PutExemption: %v", err)
	}
	_ = st.PutExemption(ctx, Exemption{Library: "Movies", Collection: "102"})

	// Upsert: same key twice stays one record.
	_ = st.PutExemption(ctx, Exemption{Library: "Movies", Collection: "101", Reason: "updated"})

	_ = st.Close()
	st = openTestStore(t, dir)
	defer st.Close()

	e, ok, err := st.GetExemption(ctx, "Movies", "101")
	if err != nil || !ok {
		t.Fatalf("GetExemption: ok=%v err=%v", ok, err)
	}
	if e.Reason != "updated" {
		t.Fatalf("reason = %q, want %q", e.Reason, "updated")
	}

	list, err := st.ListExemptions(ctx, "Movies")
	if err != nil {
		t.Fatalf("ListExemptions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 exemptions, got %d", len(list))
	}

	if err := st.DeleteExemption(ctx, "Movies", "101"); err != nil {
		t.Fatalf("DeleteExemption: %v", err)
	}
	if _, ok, _ := st.GetExemption(ctx, "Movies", "101"); ok {
		t.Fatal("exemption still present after delete")
	}
}

func TestFileStoreCorruptFilesFailOpen(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "store")

	// Corrupt snapshot, journal and exemptions all load as empty state.
	mustWrite(t, prefix+".exclusions.snapshot.json", "{not json")
	mustWrite(t, prefix+".exclusions.journal.jsonl", "also not json\n")
	mustWrite(t, prefix+".exemptions.json", "[broken")

	st := openTestStore(t, dir)
	defer st.Close()

	ctx := context.Background()
	if _, ok, _ := st.GetExclusion(ctx, "Movies", "101"); ok {
		t.Fatal("corrupt store should load empty")
	}
	list, err := st.ListExemptions(ctx, "Movies")
	if err != nil {
		t.Fatalf("ListExemptions: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty exemptions, got %d", len(list))
	}

	// And the store is still writable afterwards.
	if err := st.PutExclusion(ctx, "Movies", "101", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PutExclusion after corrupt load: %v", err)
	}
}

func TestFileStoreAuditAppends(t *testing.T) {
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	e := AuditEntry{Library: "Movies", Limit: 3, Chosen: 3, Pinned: 2, Failures: 1}
	if err := st.AppendAudit(context.Background(), e); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "store.audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("audit file is empty")
	}
}

func TestOpenDisabledDriver(t *testing.T) {
	st, err := Open(Config{Driver: ""}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st != nil {
		t.Fatal("empty driver should disable storage")
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
