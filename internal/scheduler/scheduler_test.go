package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/QuestionPipe/internal/metrics"
	qptestutil "github.com/BTreeMap/QuestionPipe/internal/testutil"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

type fakePurger struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakePurger) PurgeInbound(ctx context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

func TestDedupJanitor_Purge(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	purger := &fakePurger{n: 4}
	m := metrics.New()
	j := NewDedupJanitor(purger, 0, m)
	j.now = func() time.Time { return now }

	n, err := j.Purge(context.Background())
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 purged, got %d", n)
	}
	if want := now.Add(-DefaultDedupRetention); !purger.before.Equal(want) {
		t.Errorf("cutoff = %v, want %v", purger.before, want)
	}
	expected := `
# HELP questionpipe_dedup_records_purged_total Inbound dedup records removed by housekeeping.
# TYPE questionpipe_dedup_records_purged_total counter
questionpipe_dedup_records_purged_total 4
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "questionpipe_dedup_records_purged_total"); err != nil {
		t.Error(err)
	}
}

func TestDedupJanitor_PurgeError(t *testing.T) {
	j := NewDedupJanitor(&fakePurger{err: errors.New("db down")}, time.Hour, nil)
	if _, err := j.Purge(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestDedupJanitor_PurgesStoreRecords(t *testing.T) {
	st := qptestutil.NewSQLiteStore(t)
	ctx := context.Background()
	if _, err := st.RecordInbound(ctx, "wamid.old", "+447911123456"); err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}

	j := NewDedupJanitor(st, time.Hour, nil)
	j.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := j.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record purged, got %d", n)
	}
	fresh, err := st.RecordInbound(ctx, "wamid.old", "+447911123456")
	if err != nil || !fresh {
		t.Errorf("expected purged id to be accepted again, got %v, %v", fresh, err)
	}
}

func TestDedupJanitor_Schedule(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	j := NewDedupJanitor(&fakePurger{}, 0, nil)
	if err := j.Schedule(s, ""); err != nil {
		t.Errorf("Schedule: %v", err)
	}
	if err := j.Schedule(s, "bogus"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
