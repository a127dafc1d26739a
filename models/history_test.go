package models

import "testing"

func TestHistoryKeepsMostRecentEntriesInOrder(t *testing.T) {
	h := NewHistory(3)
	for i := int64(1); i <= 7; i++ {
		if !h.Push(HistorySnapshot{X: float64(i), Timestamp: i * 100}) {
			t.Fatalf("push %d unexpectedly dropped", i)
		}
	}
	if h.Len() != 3 {
		t.Fatalf("expected len 3, got %d", h.Len())
	}
	got := h.Snapshots()
	want := []int64{500, 600, 700}
	for i, s := range got {
		if s.Timestamp != want[i] {
			t.Fatalf("entry %d: expected ts %d, got %d", i, want[i], s.Timestamp)
		}
	}
}

func TestHistoryReplacesEqualTimestampAndDropsOlder(t *testing.T) {
	h := NewHistory(3)
	h.Push(HistorySnapshot{X: 1, Timestamp: 1000})
	h.Push(HistorySnapshot{X: 2, Timestamp: 2000})

	if !h.Push(HistorySnapshot{X: 3, Timestamp: 2000}) {
		t.Fatalf("expected equal timestamp to replace newest entry")
	}
	if h.Push(HistorySnapshot{X: 4, Timestamp: 1500}) {
		t.Fatalf("expected out-of-order snapshot to be dropped")
	}
	snaps := h.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snaps))
	}
	if snaps[1].X != 3 {
		t.Fatalf("expected newest x=3, got %v", snaps[1].X)
	}
}

func TestHistoryLatestOnEmpty(t *testing.T) {
	h := NewHistory(0)
	if h.Cap() != DefaultHistorySize {
		t.Fatalf("expected default capacity %d, got %d", DefaultHistorySize, h.Cap())
	}
	if _, ok := h.Latest(); ok {
		t.Fatalf("expected no latest entry on empty history")
	}
}
