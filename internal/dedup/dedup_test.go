package dedup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mediaflux/mailrelay/internal/kvstore"
)

// brokenStore simulates a shared store outage.
type brokenStore struct{}

var errDown = errors.New("store unreachable")

func (brokenStore) Get(context.Context, string) (string, bool, error) { return "", false, errDown }
func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errDown
}
func (brokenStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (brokenStore) Delete(context.Context, string) error       { return errDown }
func (brokenStore) SAdd(context.Context, string, string) error { return errDown }
func (brokenStore) SIsMember(context.Context, string, string) (bool, error) {
	return false, errDown
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := New(kvstore.NewMemory(), quietLogger())

	hash := ContentHash("<id@example.com>", "sujet", "2026-03-12")
	if g.SeenMessage(ctx, hash) {
		t.Fatal("unmarked message reported as seen")
	}
	g.MarkMessage(ctx, hash)
	if !g.SeenMessage(ctx, hash) {
		t.Fatal("marked message not reported as seen")
	}
}

func TestMessageDedupFailsOpen(t *testing.T) {
	g := New(brokenStore{}, quietLogger())
	if g.SeenMessage(context.Background(), "any") {
		t.Error("store outage must fail open for message dedup")
	}
}

func TestSubjectGroupDerivation(t *testing.T) {
	a := SubjectGroup("Média Solution - Missions Recadrage - Lot 42")
	b := SubjectGroup("RE: média solution missions recadrage LOT 42")
	if a != b {
		t.Errorf("same lot should group together: %q vs %q", a, b)
	}
	if a != "lot:42" {
		t.Errorf("SubjectGroup = %q, want lot:42", a)
	}

	c := SubjectGroup("question diverse")
	d := SubjectGroup("Question   Diverse")
	if c != d {
		t.Errorf("normalized subjects should group together: %q vs %q", c, d)
	}
	if c == SubjectGroup("autre chose") {
		t.Error("different subjects must not collide")
	}
}

func TestGroupMonthScoping(t *testing.T) {
	ctx := context.Background()
	g := New(kvstore.NewMemory(), quietLogger())
	g.Now = func() time.Time { return time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC) }

	g.MarkGroup(ctx, "lot:42", true, 0)
	if !g.SeenGroup(ctx, "lot:42", true) {
		t.Fatal("group should be seen within the same month")
	}

	g.Now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	if g.SeenGroup(ctx, "lot:42", true) {
		t.Error("same lot in a new month must not be a duplicate")
	}
}

func TestGroupRecentMarkerCheckedFirst(t *testing.T) {
	ctx := context.Background()
	mem := kvstore.NewMemory()
	g := New(mem, quietLogger())

	// Cool-down marker present without permanent-set membership still
	// means "processed".
	if err := mem.Set(ctx, "group:recent:lot:7", "1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if !g.SeenGroup(ctx, "lot:7", false) {
		t.Error("recent marker should report the group as processed")
	}
}

func TestGroupDedupFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	g := New(brokenStore{}, quietLogger())

	if g.SeenGroup(ctx, "lot:9", false) {
		t.Fatal("unseen group reported as seen")
	}
	g.MarkGroup(ctx, "lot:9", false, time.Minute)
	if !g.SeenGroup(ctx, "lot:9", false) {
		t.Error("memory fallback should remember the group during an outage")
	}
}

func TestInFlightLock(t *testing.T) {
	ctx := context.Background()
	g := New(kvstore.NewMemory(), quietLogger())

	ok, release := g.AcquireInFlight(ctx, "msg-1")
	if !ok {
		t.Fatal("first acquisition should succeed")
	}
	if again, _ := g.AcquireInFlight(ctx, "msg-1"); again {
		t.Fatal("second acquisition should fail while held")
	}
	release()
	if after, _ := g.AcquireInFlight(ctx, "msg-1"); !after {
		t.Error("acquisition should succeed after release")
	}
}

func TestInFlightLockFailsOpen(t *testing.T) {
	g := New(brokenStore{}, quietLogger())
	ok, release := g.AcquireInFlight(context.Background(), "msg-1")
	if !ok {
		t.Error("lock-store outage must fail open")
	}
	release() // must not panic
}
