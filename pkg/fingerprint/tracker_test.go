package fingerprint_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/packforge/packforge/pkg/fingerprint"
	"github.com/packforge/packforge/pkg/logger"
	"github.com/packforge/packforge/pkg/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTracker(t *testing.T, cfg types.FingerprintConfig, opts ...fingerprint.Option) *fingerprint.Tracker {
	t.Helper()
	tr, err := fingerprint.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := tr.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return tr
}

func TestTracker_Classification(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, ".packforge", "fingerprints.json")
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	c := filepath.Join(dir, "c.txt")

	writeFile(t, a, "alpha")
	writeFile(t, b, "bravo")

	cfg := types.FingerprintConfig{SnapshotPath: snapshotPath}
	first := newTracker(t, cfg)
	if err := first.UpdateFiles(ctx, []string{a, b}); err != nil {
		t.Fatal(err)
	}
	if err := first.Save(); err != nil {
		t.Fatal(err)
	}

	writeFile(t, a, "alpha, modified")
	writeFile(t, c, "charlie")
	if err := os.Remove(b); err != nil {
		t.Fatal(err)
	}

	second := newTracker(t, cfg)
	cs, err := second.GetChangedFiles(ctx, []string{a, c})
	if err != nil {
		t.Fatal(err)
	}

	want := fingerprint.ChangeSet{
		Changed: []string{a},
		Added:   []string{c},
		Removed: []string{b},
	}
	if !reflect.DeepEqual(cs, want) {
		t.Errorf("GetChangedFiles() = %+v, want %+v", cs, want)
	}
	if !cs.HasChanges() {
		t.Error("HasChanges() = false")
	}
	if got := cs.Stale(); !reflect.DeepEqual(got, []string{a, c}) {
		t.Errorf("Stale() = %v", got)
	}
}

func TestTracker_Unchanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	writeFile(t, a, "same")

	tr := newTracker(t, types.FingerprintConfig{})
	if err := tr.UpdateFile(a); err != nil {
		t.Fatal(err)
	}

	// Rewriting identical bytes bumps mtime but not content.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(a, future, future); err != nil {
		t.Fatal(err)
	}

	if tr.HasFileChanged(a) {
		t.Error("HasFileChanged() = true for identical content")
	}
	cs, err := tr.GetChangedFiles(ctx, []string{a})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cs.Unchanged, []string{a}) || cs.HasChanges() {
		t.Errorf("GetChangedFiles() = %+v", cs)
	}
}

func TestTracker_HasFileChanged(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	writeFile(t, a, "v1")

	tr := newTracker(t, types.FingerprintConfig{})

	if !tr.HasFileChanged(a) {
		t.Error("untracked file should count as changed")
	}
	if err := tr.UpdateFile(a); err != nil {
		t.Fatal(err)
	}
	if tr.HasFileChanged(a) {
		t.Error("freshly recorded file should be unchanged")
	}

	writeFile(t, a, "v2")
	if !tr.HasFileChanged(a) {
		t.Error("modified file should count as changed")
	}

	if err := os.Remove(a); err != nil {
		t.Fatal(err)
	}
	if !tr.HasFileChanged(a) {
		t.Error("unreadable file should count as changed")
	}
}

func TestTracker_UnreadableRecordedFileIsChanged(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	writeFile(t, a, "v1")

	tr := newTracker(t, types.FingerprintConfig{})
	if err := tr.UpdateFile(a); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(a); err != nil {
		t.Fatal(err)
	}

	cs, err := tr.GetChangedFiles(ctx, []string{a})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cs.Changed, []string{a}) {
		t.Errorf("Changed = %v, want [%s]", cs.Changed, a)
	}

	if err := tr.UpdateFile(a); err != nil {
		t.Fatalf("UpdateFile() on deleted file = %v", err)
	}
	if _, ok := tr.Fingerprint(a); ok {
		t.Error("deleted file should be dropped on update")
	}
}

func TestTracker_IgnorePatterns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "index.ts")
	dep := filepath.Join(dir, "node_modules", "lib", "index.js")
	log := filepath.Join(dir, "debug.log")
	for _, p := range []string{src, dep, log} {
		writeFile(t, p, p)
	}

	tr := newTracker(t, types.FingerprintConfig{IgnorePatterns: []string{"node_modules", "*.log"}})

	if err := tr.UpdateFiles(ctx, []string{src, dep, log}); err != nil {
		t.Fatal(err)
	}
	if got := tr.Files(); !reflect.DeepEqual(got, []string{src}) {
		t.Errorf("Files() = %v, want only %s", got, src)
	}

	if tr.HasFileChanged(dep) {
		t.Error("ignored file should never count as changed")
	}

	cs, err := tr.GetChangedFiles(ctx, []string{src, dep, log})
	if err != nil {
		t.Fatal(err)
	}
	want := fingerprint.ChangeSet{Unchanged: []string{src}}
	if !reflect.DeepEqual(cs, want) {
		t.Errorf("GetChangedFiles() = %+v, want %+v", cs, want)
	}
}

func TestTracker_RootRelativeIgnorePatterns(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "src", "index.ts")
	gen := filepath.Join(dir, "src", "gen", "schema.ts")
	for _, p := range []string{src, gen} {
		writeFile(t, p, p)
	}
	cfg := types.FingerprintConfig{IgnorePatterns: []string{"src/gen/**"}}

	tests := []struct {
		name string
		opts []fingerprint.Option
		want fingerprint.ChangeSet
	}{
		{
			name: "with root",
			opts: []fingerprint.Option{fingerprint.WithRoot(dir)},
			want: fingerprint.ChangeSet{Added: []string{src}},
		},
		{
			name: "without root",
			want: fingerprint.ChangeSet{Added: []string{gen, src}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(t, cfg, tt.opts...)
			cs, err := tr.GetChangedFiles(ctx, []string{src, gen})
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(cs, tt.want) {
				t.Errorf("GetChangedFiles() = %+v, want %+v", cs, tt.want)
			}
		})
	}

	tr := newTracker(t, cfg, fingerprint.WithRoot(dir))
	if !tr.IsIgnored(gen) {
		t.Errorf("IsIgnored(%s) = false, want true", gen)
	}
	if tr.IsIgnored(filepath.Join(filepath.Dir(dir), "src", "gen", "x.ts")) {
		t.Error("paths outside the root should not match root-relative patterns")
	}
}

func TestTracker_HashAlgorithms(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	writeFile(t, a, "hello")

	tests := []struct {
		alg     types.HashAlgorithm
		hexLen  int
		wantErr bool
	}{
		{types.HashAlgorithmSHA256, 64, false},
		{types.HashAlgorithmMD5, 32, false},
		{types.HashAlgorithmXXHash, 16, false},
		{"", 64, false},
		{"crc32", 0, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			tr, err := fingerprint.New(types.FingerprintConfig{HashAlgorithm: tt.alg})
			if tt.wantErr {
				if !errors.Is(err, fingerprint.ErrUnknownAlgorithm) {
					t.Fatalf("New() error = %v, want ErrUnknownAlgorithm", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if err := tr.UpdateFile(a); err != nil {
				t.Fatal(err)
			}
			fp, ok := tr.Fingerprint(a)
			if !ok {
				t.Fatal("fingerprint not recorded")
			}
			if len(fp.ContentHash) != tt.hexLen {
				t.Errorf("hash length = %d, want %d", len(fp.ContentHash), tt.hexLen)
			}
			if fp.SizeBytes != 5 {
				t.Errorf("SizeBytes = %d, want 5", fp.SizeBytes)
			}
		})
	}
}

func TestTracker_AlgorithmChangeDiscardsSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "fp.json")
	a := filepath.Join(dir, "a.txt")
	writeFile(t, a, "x")

	first := newTracker(t, types.FingerprintConfig{SnapshotPath: snapshotPath, HashAlgorithm: types.HashAlgorithmSHA256})
	if err := first.UpdateFile(a); err != nil {
		t.Fatal(err)
	}
	if err := first.Save(); err != nil {
		t.Fatal(err)
	}

	second := newTracker(t, types.FingerprintConfig{SnapshotPath: snapshotPath, HashAlgorithm: types.HashAlgorithmXXHash})
	cs, err := second.GetChangedFiles(ctx, []string{a})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cs.Added, []string{a}) {
		t.Errorf("Added = %v, want [%s]", cs.Added, a)
	}
	if second.Stats().BuildCount != 1 {
		t.Errorf("build counter should survive an algorithm change")
	}
}

func TestTracker_CorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "fp.json")
	writeFile(t, snapshotPath, "{not json")

	var buf bytes.Buffer
	log := logger.CreateLoggerWithOutput("debug", &buf)
	tr := newTracker(t, types.FingerprintConfig{SnapshotPath: snapshotPath}, fingerprint.WithLogger(log))

	if n := tr.Stats().TrackedFiles; n != 0 {
		t.Errorf("TrackedFiles = %d, want 0", n)
	}
	if !strings.Contains(buf.String(), "Ignoring unreadable fingerprint snapshot") {
		t.Errorf("expected a warning, got %q", buf.String())
	}
}

func TestTracker_SaveAndStats(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "nested", "fp.json")
	a := filepath.Join(dir, "a.txt")
	writeFile(t, a, "1234567890")

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := types.FingerprintConfig{SnapshotPath: snapshotPath}
	tr := newTracker(t, cfg, fingerprint.WithClock(func() time.Time { return now }))

	if err := tr.UpdateFile(a); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := tr.Save(); err != nil {
			t.Fatal(err)
		}
	}

	reloaded := newTracker(t, cfg)
	stats := reloaded.Stats()
	if stats.TrackedFiles != 1 || stats.TotalBytes != 10 {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.BuildCount != 2 {
		t.Errorf("BuildCount = %d, want 2", stats.BuildCount)
	}
	if !stats.LastBuildTime.Equal(now) {
		t.Errorf("LastBuildTime = %v, want %v", stats.LastBuildTime, now)
	}
	if stats.HashAlgorithm != types.HashAlgorithmSHA256 {
		t.Errorf("HashAlgorithm = %s", stats.HashAlgorithm)
	}
}

func TestTracker_SaveWithoutPath(t *testing.T) {
	tr := newTracker(t, types.FingerprintConfig{})
	if err := tr.Save(); !errors.Is(err, fingerprint.ErrNoSnapshotPath) {
		t.Errorf("Save() error = %v, want ErrNoSnapshotPath", err)
	}
}

func TestTracker_ClearAndRemove(t *testing.T) {
	dir := t.TempDir()
	snapshotPath := filepath.Join(dir, "fp.json")
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	writeFile(t, a, "a")
	writeFile(t, b, "b")

	tr := newTracker(t, types.FingerprintConfig{SnapshotPath: snapshotPath})
	if err := tr.UpdateFiles(context.Background(), []string{a, b}); err != nil {
		t.Fatal(err)
	}

	tr.Remove(a)
	if got := tr.Files(); !reflect.DeepEqual(got, []string{b}) {
		t.Errorf("Files() after Remove = %v", got)
	}

	if err := tr.Save(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Clear(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(snapshotPath); !os.IsNotExist(err) {
		t.Error("Clear() should delete the snapshot file")
	}
	if stats := tr.Stats(); stats.TrackedFiles != 0 || stats.BuildCount != 0 {
		t.Errorf("Stats() after Clear = %+v", stats)
	}
	if err := tr.Clear(); err != nil {
		t.Errorf("second Clear() = %v", err)
	}
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 50; i++ {
		p := filepath.Join(dir, fmt.Sprintf("f%02d.txt", i))
		writeFile(t, p, p)
		paths = append(paths, p)
	}

	tr := newTracker(t, types.FingerprintConfig{})
	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if err := tr.UpdateFile(p); err != nil {
				t.Error(err)
			}
		}(p)
	}
	wg.Wait()

	if n := tr.Stats().TrackedFiles; n != len(paths) {
		t.Errorf("TrackedFiles = %d, want %d", n, len(paths))
	}
}

func TestTracker_UpdateFilesJoinsErrors(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	writeFile(t, a, "a")
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	tr := newTracker(t, types.FingerprintConfig{}, fingerprint.WithConcurrency(1))
	err := tr.UpdateFiles(context.Background(), []string{a, sub})
	if err == nil || !strings.Contains(err.Error(), "is a directory") {
		t.Errorf("UpdateFiles() error = %v, want directory error", err)
	}
	if _, ok := tr.Fingerprint(a); !ok {
		t.Error("readable file should still be recorded")
	}
}

func TestTracker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := newTracker(t, types.FingerprintConfig{})
	if _, err := tr.GetChangedFiles(ctx, []string{"a"}); !errors.Is(err, context.Canceled) {
		t.Errorf("GetChangedFiles() error = %v, want context.Canceled", err)
	}
}
