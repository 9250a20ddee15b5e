package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecgard/outpost/internal/job"
	"github.com/alecgard/outpost/internal/memstore"
)

func newJob(t *testing.T, store *memstore.Store, in job.CreateInput) *job.Job {
	t.Helper()
	if in.TenantID == "" {
		in.TenantID = "t1"
	}
	if in.AgentName == "" {
		in.AgentName = "web-01"
	}
	if in.Type == "" {
		in.Type = job.TypeScan
	}
	if in.Payload == nil {
		in.Payload = json.RawMessage(`{}`)
	}
	j, err := store.Jobs.Create(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestReclaimer(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	now := time.Now()

	stuck := newJob(t, store, job.CreateInput{})
	store.Jobs.Claim(ctx, "t1", "web-01", 1, now.Add(-20*time.Minute))
	fresh := newJob(t, store, job.CreateInput{})
	store.Jobs.Claim(ctx, "t1", "web-01", 1, now.Add(-time.Minute))

	r := NewReclaimer(store.Jobs, 10*time.Minute, nil)
	r.now = func() time.Time { return now }

	got, err := r.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != stuck.ID {
		t.Fatalf("reclaimed %+v, want only %s", got, stuck.ID)
	}

	j, _ := store.Jobs.Get(ctx, stuck.ID)
	if j.Status != job.StatusQueued || j.DeliveredAt != nil {
		t.Errorf("stuck job after reclaim = %s delivered_at=%v", j.Status, j.DeliveredAt)
	}
	j, _ = store.Jobs.Get(ctx, fresh.ID)
	if j.Status != job.StatusDelivered {
		t.Errorf("fresh delivery was reclaimed")
	}

	again, _ := r.Run(ctx)
	if again == nil || len(again) != 0 {
		t.Errorf("second pass = %v, want empty", again)
	}
}

func TestSchedulerMaterializes(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)

	tpl := newJob(t, store, job.CreateInput{
		Type: job.TypeReport, Payload: json.RawMessage(`{"kind":"inventory"}`),
		Approved: true, IsRecurring: true, RecurrencePattern: "every 2 hours", NextRunAt: &due,
	})
	unapproved := newJob(t, store, job.CreateInput{IsRecurring: true, RecurrencePattern: "@hourly", NextRunAt: &due})
	later := now.Add(time.Hour)
	newJob(t, store, job.CreateInput{Approved: true, IsRecurring: true, RecurrencePattern: "@hourly", NextRunAt: &later})

	s := NewScheduler(store.Jobs, 0, nil)
	s.now = func() time.Time { return now }

	res, err := s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Created) != 1 || res.Created[0].TemplateID != tpl.ID {
		t.Fatalf("created = %+v", res.Created)
	}

	kids := store.Jobs.Children(tpl.ID)
	if len(kids) != 1 {
		t.Fatalf("children = %d, want 1", len(kids))
	}
	inst := kids[0]
	if inst.IsRecurring || !inst.Approved || inst.Status != job.StatusQueued || inst.Type != job.TypeReport {
		t.Errorf("instance = %+v", inst)
	}
	if string(inst.Payload) != `{"kind":"inventory"}` {
		t.Errorf("payload = %s", inst.Payload)
	}

	got, _ := store.Jobs.Get(ctx, tpl.ID)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Errorf("last_run_at = %v, want %v", got.LastRunAt, now)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(now.Add(2*time.Hour)) {
		t.Errorf("next_run_at = %v, want %v", got.NextRunAt, now.Add(2*time.Hour))
	}
	if len(store.Jobs.Children(unapproved.ID)) != 0 {
		t.Error("unapproved template ran")
	}

	res, _ = s.Run(ctx)
	if len(res.Created) != 0 {
		t.Errorf("second pass created %d jobs, want 0", len(res.Created))
	}
}

func TestSchedulerDisablesInvalidPattern(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	now := time.Now()
	due := now.Add(-time.Minute)

	bad := newJob(t, store, job.CreateInput{Approved: true, IsRecurring: true, RecurrencePattern: "whenever", NextRunAt: &due})
	good := newJob(t, store, job.CreateInput{Approved: true, IsRecurring: true, RecurrencePattern: "@hourly", NextRunAt: &due})

	s := NewScheduler(store.Jobs, 10, nil)
	res, err := s.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Disabled != 1 || len(res.Created) != 1 || res.Created[0].TemplateID != good.ID {
		t.Fatalf("result = %+v", res)
	}
	got, _ := store.Jobs.Get(ctx, bad.ID)
	if got.NextRunAt != nil {
		t.Errorf("invalid template still scheduled at %v", got.NextRunAt)
	}
}

type flakyTemplates struct {
	templates []*job.Job
	fail      map[string]error
	created   []string
}

func (f *flakyTemplates) DueTemplates(context.Context, time.Time, int) ([]*job.Job, error) {
	return f.templates, nil
}

func (f *flakyTemplates) Materialize(_ context.Context, id string, _, next time.Time) (*job.Materialized, error) {
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	f.created = append(f.created, id)
	return &job.Materialized{TemplateID: id, InstanceID: id + "-run", NextRunAt: &next}, nil
}

func (f *flakyTemplates) Disable(context.Context, string) error { return nil }

func TestSchedulerIsolatesFailures(t *testing.T) {
	pattern := "@daily"
	store := &flakyTemplates{
		templates: []*job.Job{
			{ID: "a", RecurrencePattern: &pattern},
			{ID: "b", RecurrencePattern: &pattern},
			{ID: "c", RecurrencePattern: &pattern},
		},
		fail: map[string]error{
			"a": errors.New("connection reset"),
			"b": job.ErrNotDue,
		},
	}

	res, err := NewScheduler(store, 10, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Skipped != 1 || len(res.Created) != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(store.created) != 1 || store.created[0] != "c" {
		t.Errorf("created = %v, want [c]", store.created)
	}
}

type fakeKeys struct {
	grace time.Duration
	n     int64
}

func (f *fakeKeys) PurgeExpired(_ context.Context, grace time.Duration) (int64, error) {
	f.grace = grace
	return f.n, nil
}

func TestKeyPurger(t *testing.T) {
	keys := &fakeKeys{n: 4}
	n, err := NewKeyPurger(keys, 48*time.Hour, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || keys.grace != 48*time.Hour {
		t.Errorf("purged %d with grace %v", n, keys.grace)
	}
}

func TestRunner(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner(
		Task{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}},
		Task{Name: "disabled", Interval: 0, Run: func(context.Context) error {
			t.Error("disabled task ran")
			return nil
		}},
	)
	r.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()

	if runs.Load() < 3 {
		t.Fatalf("task ran %d times, want at least 3", runs.Load())
	}
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("task ran after Stop")
	}
}

type fakeStale struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakeStale) MarkOffline(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func TestOfflineMarker(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		n       int64
		err     error
		want    int64
		wantErr bool
	}{
		{name: "marks stale agents", n: 2, want: 2},
		{name: "nothing stale", n: 0, want: 0},
		{name: "store error", err: errors.New("db down"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stale := &fakeStale{n: tt.n, err: tt.err}
			o := NewOfflineMarker(stale, 5*time.Minute, nil)
			o.now = func() time.Time { return now }

			got, err := o.Run(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("marked = %d, want %d", got, tt.want)
			}
			if !stale.cutoff.Equal(now.Add(-5 * time.Minute)) {
				t.Errorf("cutoff = %v, want now-5m", stale.cutoff)
			}
		})
	}
}

// onceClaimer grants each name once, like a store shared by two instances
// whose ticks land in the same interval.
type onceClaimer struct {
	mu      sync.Mutex
	claimed map[string]bool
	err     error
}

func (c *onceClaimer) ClaimRun(_ context.Context, name string, _ time.Time, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.claimed[name] {
		return false, nil
	}
	c.claimed[name] = true
	return true, nil
}

func TestRunnerClaimsBeforeRunning(t *testing.T) {
	claims := &onceClaimer{claimed: map[string]bool{}}
	var runs atomic.Int32
	task := Task{Name: "reclaim", Interval: time.Minute, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}

	a := NewRunner(task).WithClaimer(claims)
	b := NewRunner(task).WithClaimer(claims)
	a.runOnce(context.Background(), task)
	b.runOnce(context.Background(), task)

	if runs.Load() != 1 {
		t.Errorf("task ran %d times across two instances, want 1", runs.Load())
	}
	if !claims.claimed["sweep:reclaim"] {
		t.Errorf("claims = %v, want sweep:reclaim", claims.claimed)
	}
}

func TestRunnerRunsWhenClaimFails(t *testing.T) {
	claims := &onceClaimer{err: errors.New("db down")}
	var runs atomic.Int32
	task := Task{Name: "reclaim", Interval: time.Minute, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}

	NewRunner(task).WithClaimer(claims).runOnce(context.Background(), task)
	if runs.Load() != 1 {
		t.Errorf("task ran %d times, want 1", runs.Load())
	}
}
