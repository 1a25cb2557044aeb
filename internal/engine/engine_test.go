// Package engine provides unit and scenario tests for the key-value
// storage engine, covering the invariants and end-to-end scenarios in
// spec.md §8.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/kvcask/caskdb/internal/command"
	"github.com/kvcask/caskdb/internal/config"
	"github.com/kvcask/caskdb/internal/logfile"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DataDir:             t.TempDir(),
		CompactionThreshold: 1000,
		SyncOnWrite:         false,
	}
}

func TestOpenRejectsNilConfig(t *testing.T) {
	if _, err := Open(nil); err == nil {
		t.Error("Open(nil) should fail")
	}
}

func TestOpenEmptyDirGetMiss(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer e.Close()

	_, found, err := e.Get("a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("Get() on empty engine should report not found")
	}
}

// Scenario 1 from spec.md §8.
func TestScenarioSetGetReopen(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if _, found, _ := e.Get("a"); found {
		t.Error("expected miss before any Set")
	}
	if err := e.Set("a", "1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, found, err := e.Get("a")
	if err != nil || !found || got != "1" {
		t.Fatalf("Get() = %q, %v, %v, want 1, true, nil", got, found, err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer e2.Close()
	got, found, err = e2.Get("a")
	if err != nil || !found || got != "1" {
		t.Fatalf("Get() after reopen = %q, %v, %v, want 1, true, nil", got, found, err)
	}
}

// Scenario 2 / set-overwrites-set from spec.md §8.
func TestScenarioOverwriteThenReopen(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []string{"v1", "v2", "v3"} {
		if err := e.Set("k", v); err != nil {
			t.Fatalf("Set(%q) error = %v", v, err)
		}
	}
	got, found, err := e.Get("k")
	if err != nil || !found || got != "v3" {
		t.Fatalf("Get() = %q, %v, %v, want v3, true, nil", got, found, err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()
	got, found, err = e2.Get("k")
	if err != nil || !found || got != "v3" {
		t.Fatalf("Get() after reopen = %q, %v, %v, want v3, true, nil", got, found, err)
	}
}

// Scenario 3 from spec.md §8.
func TestScenarioRemoveThenRemoveAgainFails(t *testing.T) {
	e, err := Open(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	if err := e.Set("x", "y"); err != nil {
		t.Fatal(err)
	}
	if err := e.Remove("x"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, found, err := e.Get("x"); err != nil || found {
		t.Fatalf("Get() after Remove() = found=%v, err=%v, want false, nil", found, err)
	}

	err = e.Remove("x")
	if err == nil || !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("second Remove() error = %v, want ErrKeyNotFound", err)
	}
}

// Scenario 6 from spec.md §8.
func TestScenarioIndependentKeys(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}

	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	require.NoError(t, e.Remove("a"))
	require.NoError(t, e.Close())

	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()

	_, found, err := e2.Get("a")
	require.NoError(t, err)
	require.False(t, found)

	got, found, err := e2.Get("b")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2", got)
}

func TestRemoveAbsentKeyDoesNotWriteLog(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	err = e.Remove("never-existed")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrKeyNotFound))

	stat, err := os.Stat(filepath.Join(cfg.DataDir, activeLogName))
	require.NoError(t, err)
	require.Zero(t, stat.Size(), "a failed Remove must not append to the log")
}

// Scenario 4 from spec.md §8: large population, overwrite every key once,
// crossing the compaction threshold, and verify post-compaction state.
func TestCompactionTriggersAndPreservesValues(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompactionThreshold = 50

	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("key-%d", i), fmt.Sprintf("v0-%d", i)))
	}

	sizeBeforeOverwrite, err := os.Stat(filepath.Join(cfg.DataDir, activeLogName))
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("key-%d", i), fmt.Sprintf("v1-%d", i)))
	}

	// Every key overwritten once should have crossed the 50-entry
	// threshold and triggered at least one compaction.
	require.Less(t, e.ObsoleteEntries(), uint64(cfg.CompactionThreshold))

	for i := 0; i < n; i++ {
		got, found, err := e.Get(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("v1-%d", i), got)
	}

	sizeAfter, err := os.Stat(filepath.Join(cfg.DataDir, activeLogName))
	require.NoError(t, err)
	require.Less(t, sizeAfter.Size(), sizeBeforeOverwrite.Size()+sizeBeforeOverwrite.Size(),
		"post-compaction log should not simply be the sum of both write passes")
}

func TestCompactionResetsObsoleteCounterToZero(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompactionThreshold = 3

	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("a", "2"))
	require.NoError(t, e.Set("a", "3"))
	require.NoError(t, e.Set("a", "4")) // crosses threshold, compacts

	require.Zero(t, e.ObsoleteEntries())
	require.Equal(t, 1, e.GetKeyDirSize())

	got, found, err := e.Get("a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "4", got)
}

func TestGetKeyDirSize(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("key%d", i), "value"))
	}
	require.Equal(t, 5, e.GetKeyDirSize())
}

// Scenario 5 from spec.md §8: a truncated trailing record on disk must
// fail Open with a corrupted-log error, not a silent partial recovery.
func TestOpenFailsOnTruncatedLog(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Set("b", "2"))
	require.NoError(t, e.Close())

	logPath := filepath.Join(cfg.DataDir, activeLogName)
	stat, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, stat.Size()-3))

	_, err = Open(cfg)
	require.Error(t, err)
	require.True(t, errors.Is(err, logfile.ErrLogFileCorrupted))
}

func TestOpenFailsWhenReplayFindsRemoveOfAbsentKey(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Remove("a"))
	require.NoError(t, e.Close())

	// Hand-craft an extra Remove("a") appended after close, simulating an
	// external edit / corruption: replay will see a second Remove for a
	// key the index no longer contains.
	l, err := logfile.Open(filepath.Join(cfg.DataDir, activeLogName))
	require.NoError(t, err)
	_, err = l.Append(command.NewRemove("a"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = Open(cfg)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestOpenToleratesStaleCompactLog(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Set("a", "1"))
	require.NoError(t, e.Close())

	// Simulate a crash between creating compact.log and renaming it.
	stale, err := os.Create(filepath.Join(cfg.DataDir, compactLogName))
	require.NoError(t, err)
	require.NoError(t, stale.Close())

	e2, err := Open(cfg)
	require.NoError(t, err)
	defer e2.Close()

	got, found, err := e2.Get("a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", got)

	_, statErr := os.Stat(filepath.Join(cfg.DataDir, compactLogName))
	require.True(t, os.IsNotExist(statErr), "stale compact.log should be removed on open")
}

func TestSecondEngineOnSameDirFails(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(cfg)
	require.Error(t, err, "opening the same directory twice should fail")
}
