package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/turfbot/internal/cron"
	"github.com/basket/turfbot/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeRetainer struct {
	mu   sync.Mutex
	days []int
	err  error
}

func (f *fakeRetainer) RunRetention(_ context.Context, days int) (persistence.RetentionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, days)
	return persistence.RetentionResult{}, f.err
}

func (f *fakeRetainer) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.days...)
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{Store: &fakeRetainer{}, Schedule: "not a cron"})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cron.NewScheduler(cron.Config{Schedule: "* * * * *"}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestScheduler_RunOnStart(t *testing.T) {
	store := &fakeRetainer{}
	sched, err := cron.NewScheduler(cron.Config{
		Store:         store,
		Logger:        slog.Default(),
		Schedule:      "17 3 * * *",
		RetentionDays: 30,
		Interval:      20 * time.Millisecond,
		RunOnStart:    true,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return sched.Runs() == 1 })
	if got := store.calls(); len(got) != 1 || got[0] != 30 {
		t.Fatalf("calls = %v", got)
	}
	if !sched.NextRun().After(time.Now()) {
		t.Fatalf("next run %v should be in the future", sched.NextRun())
	}
}

func TestScheduler_NotDueDoesNotFire(t *testing.T) {
	store := &fakeRetainer{}
	sched, err := cron.NewScheduler(cron.Config{
		Store:    store,
		Schedule: "0 0 1 1 *",
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	sched.Stop()

	if got := store.calls(); len(got) != 0 {
		t.Fatalf("fired before due: %v", got)
	}
}

func TestScheduler_FailureNotCounted(t *testing.T) {
	store := &fakeRetainer{err: errors.New("disk gone")}
	sched, err := cron.NewScheduler(cron.Config{
		Store:      store,
		Schedule:   "* * * * *",
		Interval:   time.Hour,
		RunOnStart: true,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return len(store.calls()) == 1 })
	sched.Stop()

	if sched.Runs() != 0 {
		t.Fatalf("failed run counted: %d", sched.Runs())
	}
}

func TestScheduler_PurgesRealJournal(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "turfbot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	old := time.Now().UTC().AddDate(0, 0, -90)
	_ = store.RecordConnectionOpened(ctx, "c-1", "a", "/", old)
	_ = store.RecordConnectionClosed(ctx, "c-1", old)

	sched, err := cron.NewScheduler(cron.Config{
		Store:         store,
		Schedule:      "17 3 * * *",
		RetentionDays: 30,
		Interval:      time.Hour,
		RunOnStart:    true,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(ctx)
	waitFor(t, 2*time.Second, func() bool { return sched.Runs() == 1 })
	sched.Stop()

	if _, err := store.GetConnection(ctx, "c-1"); err == nil {
		t.Fatal("old connection survived retention")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 5, 10, 3, 0, 0, 0, time.UTC)
	got, err := cron.NextRunTime("17 3 * * *", base)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 5, 10, 3, 17, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
	if _, err := cron.NextRunTime("bogus", base); err == nil {
		t.Fatal("expected error")
	}
}
