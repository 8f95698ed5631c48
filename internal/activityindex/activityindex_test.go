/**
 * CONTEXT:   Tests for the bounded per-project ring buffer of file-touch activity
 * INPUT:     Synthetic ActivityEntry sequences, including past-capacity bursts
 * OUTPUT:    Assertions on Recent's windowing and Record's eviction behavior
 * BUSINESS:  A leaking or unbounded index would grow without limit over a long daemon uptime
 * CHANGE:    New test suite for a new component (no teacher equivalent)
 * RISK:      Low - only suppresses synthetic aggregation rows on failure, never sessions
 */
package activityindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/claude-monitor/capacitor/internal/domain"
)

func TestRecent_FiltersByWindow(t *testing.T) {
	idx := New()
	now := time.Now()
	idx.Record(domain.ActivityEntry{ProjectID: "p1", FilePath: "a.go", Timestamp: now.Add(-10 * time.Second)})
	idx.Record(domain.ActivityEntry{ProjectID: "p1", FilePath: "b.go", Timestamp: now.Add(-2 * time.Minute)})

	recent := idx.Recent("p1", now, time.Minute)
	assert.Len(t, recent, 1)
	assert.Equal(t, "a.go", recent[0].FilePath)
}

func TestRecent_EmptyForUnknownProject(t *testing.T) {
	idx := New()
	assert.Empty(t, idx.Recent("nope", time.Now(), time.Minute))
}

func TestRecord_EvictsOldestAtCapacity(t *testing.T) {
	idx := &Index{capacity: 2, byProj: make(map[string][]domain.ActivityEntry), head: make(map[string]int)}
	now := time.Now()
	idx.Record(domain.ActivityEntry{ProjectID: "p1", FilePath: "1.go", Timestamp: now})
	idx.Record(domain.ActivityEntry{ProjectID: "p1", FilePath: "2.go", Timestamp: now})
	idx.Record(domain.ActivityEntry{ProjectID: "p1", FilePath: "3.go", Timestamp: now})

	assert.Equal(t, 2, idx.Len("p1"), "ring never exceeds its configured capacity")
	recent := idx.Recent("p1", now, time.Hour)
	var paths []string
	for _, e := range recent {
		paths = append(paths, e.FilePath)
	}
	assert.ElementsMatch(t, []string{"2.go", "3.go"}, paths, "the oldest entry (1.go) was evicted")
}

func TestPrune_DropsEntriesOlderThanRetentionAndEmptiesProjectMap(t *testing.T) {
	idx := New()
	now := time.Now()
	idx.Record(domain.ActivityEntry{ProjectID: "p1", FilePath: "old.go", Timestamp: now.Add(-time.Hour)})

	idx.Prune(now, time.Minute)
	assert.Equal(t, 0, idx.Len("p1"))
	assert.Empty(t, idx.Recent("p1", now, time.Hour))
}

func TestPrune_KeepsFreshEntries(t *testing.T) {
	idx := New()
	now := time.Now()
	idx.Record(domain.ActivityEntry{ProjectID: "p1", FilePath: "fresh.go", Timestamp: now})
	idx.Prune(now, time.Minute)
	assert.Equal(t, 1, idx.Len("p1"))
}
