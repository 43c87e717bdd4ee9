package ttl

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestIndex() (*Index, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(WithClock(clk.Now)), clk
}

func TestIndex_HasExpired(t *testing.T) {
	idx, clk := newTestIndex()
	idx.AddEntry("k", 100*time.Millisecond, time.Time{})

	clk.Advance(50 * time.Millisecond)
	if idx.HasExpired("k") {
		t.Error("HasExpired at +50ms = true, want false")
	}
	clk.Advance(100 * time.Millisecond)
	if !idx.HasExpired("k") {
		t.Error("HasExpired at +150ms = false, want true")
	}
	if idx.HasExpired("untracked") {
		t.Error("untracked key reported expired")
	}
}

func TestIndex_AddEntryBase(t *testing.T) {
	idx, clk := newTestIndex()
	base := clk.Now().Add(-time.Hour)
	got := idx.AddEntry("k", time.Minute, base)
	if !got.Equal(base.Add(time.Minute)) {
		t.Errorf("AddEntry() = %v, want %v", got, base.Add(time.Minute))
	}
	if !idx.HasExpired("k") {
		t.Error("entry based in the past should already be expired")
	}
}

func TestIndex_Sweep(t *testing.T) {
	idx, clk := newTestIndex()
	idx.AddEntry("temp", 10*time.Millisecond, time.Time{})
	idx.AddEntry("keep", time.Hour, time.Time{})
	clk.Advance(11 * time.Millisecond)

	var purged []string
	removed, err := idx.Sweep(context.Background(), func(_ context.Context, keys []string) error {
		purged = append(purged, keys...)
		return nil
	})
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if !reflect.DeepEqual(removed, []string{"temp"}) || !reflect.DeepEqual(purged, removed) {
		t.Errorf("Sweep() removed %v, purged %v", removed, purged)
	}
	if idx.Len() != 1 {
		t.Errorf("Len() = %d, want 1", idx.Len())
	}

	removed, err = idx.Sweep(context.Background(), func(context.Context, []string) error {
		t.Error("purge called with nothing expired")
		return nil
	})
	if err != nil || removed != nil {
		t.Errorf("second Sweep() = %v, %v", removed, err)
	}
}

func TestIndex_SweepPurgeFailure(t *testing.T) {
	idx, clk := newTestIndex()
	idx.AddEntry("k", time.Millisecond, time.Time{})
	clk.Advance(time.Second)

	boom := errors.New("host down")
	_, err := idx.Sweep(context.Background(), func(context.Context, []string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Sweep() error = %v, want %v", err, boom)
	}
	if idx.Len() != 1 {
		t.Error("failed purge should keep the key tracked")
	}
}

func TestIndex_SnapshotRestore(t *testing.T) {
	idx, clk := newTestIndex()
	idx.AddEntry("a", time.Minute, time.Time{})
	idx.AddEntry("b", time.Hour, time.Time{})

	data, err := idx.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	restored := New(WithClock(clk.Now))
	if err := restored.Restore(data); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	for _, k := range []string{"a", "b"} {
		want, _ := idx.ExpiresAt(k)
		got, ok := restored.ExpiresAt(k)
		if !ok || !got.Equal(want) {
			t.Errorf("ExpiresAt(%q) = %v, %v, want %v", k, got, ok, want)
		}
	}

	if err := restored.Restore([]byte("nope")); err == nil {
		t.Error("Restore() with garbage should fail")
	}
}

func TestIndex_RemoveAndClear(t *testing.T) {
	idx, _ := newTestIndex()
	idx.AddEntry("a", time.Minute, time.Time{})
	idx.AddEntry("b", time.Minute, time.Time{})
	idx.Remove("a")
	if _, ok := idx.ExpiresAt("a"); ok {
		t.Error("removed key still tracked")
	}
	idx.Clear()
	if idx.Len() != 0 {
		t.Errorf("Len() after Clear = %d", idx.Len())
	}
}
