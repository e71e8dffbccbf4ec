package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/querygate/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedInstance(t *testing.T, s *SQLiteStore, id string) *model.Instance {
	t.Helper()
	inst := &model.Instance{
		ID:     id,
		Engine: model.EngineRelational,
		Host:   "db.internal",
		Port:   5432,
		Active: true,
	}
	if err := s.UpsertInstance(context.Background(), inst); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}
	return inst
}

func makeTestRequest(instanceID string) *model.Request {
	return &model.Request{
		ID:           model.NewID(),
		Submitter:    "alice",
		InstanceID:   instanceID,
		DatabaseName: "analytics",
		PayloadKind:  model.PayloadInlineQuery,
		Payload:      "SELECT 1",
		State:        model.StatePending,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")
	r := makeTestRequest("pg-1")

	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.State != model.StatePending {
		t.Errorf("State = %q, want %q", got.State, model.StatePending)
	}
	if got.Payload != r.Payload {
		t.Errorf("Payload = %q, want %q", got.Payload, r.Payload)
	}
	if got.DurationMS != nil {
		t.Errorf("DurationMS = %v, want nil", *got.DurationMS)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
}

func TestCreateRequestRejectsDraft(t *testing.T) {
	s := newTestStore(t)
	seedInstance(t, s, "pg-1")
	r := makeTestRequest("pg-1")
	r.State = model.StateDraft

	err := s.CreateRequest(context.Background(), r)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CreateRequest(draft) error = %v, want ErrInvalidTransition", err)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRequest(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRequest error = %v, want ErrNotFound", err)
	}
}

func TestListRequestsPaginationAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")
	seedInstance(t, s, "pg-2")

	var ids []string
	for i := 0; i < 5; i++ {
		r := makeTestRequest("pg-1")
		if i == 4 {
			r.InstanceID = "pg-2"
			r.Submitter = "bob"
		}
		if err := s.CreateRequest(ctx, r); err != nil {
			t.Fatalf("CreateRequest[%d]: %v", i, err)
		}
		ids = append(ids, r.ID)
	}

	page, total, err := s.ListRequests(ctx, model.RequestFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("len(page) = %d, want 2", len(page))
	}
	if page[0].ID != ids[4] {
		t.Errorf("first = %s, want newest %s", page[0].ID, ids[4])
	}

	page, total, err = s.ListRequests(ctx, model.RequestFilter{InstanceID: "pg-1", Limit: 10, Offset: 2})
	if err != nil {
		t.Fatalf("ListRequests filtered: %v", err)
	}
	if total != 4 {
		t.Errorf("filtered total = %d, want 4", total)
	}
	if len(page) != 2 {
		t.Errorf("filtered page = %d, want 2", len(page))
	}

	_, total, err = s.ListRequests(ctx, model.RequestFilter{Submitter: "bob"})
	if err != nil {
		t.Fatalf("ListRequests by submitter: %v", err)
	}
	if total != 1 {
		t.Errorf("bob total = %d, want 1", total)
	}
}

func TestRequestsInStateOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")

	var want []string
	for i := 0; i < 3; i++ {
		r := makeTestRequest("pg-1")
		r.State = model.StateApproved
		if err := s.CreateRequest(ctx, r); err != nil {
			t.Fatalf("CreateRequest: %v", err)
		}
		want = append(want, r.ID)
	}

	got, err := s.RequestsInState(ctx, model.StateApproved)
	if err != nil {
		t.Fatalf("RequestsInState: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}

func TestReviewRequestSecondReviewIsStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")
	r := makeTestRequest("pg-1")
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	now := time.Now().UTC()
	if err := s.ReviewRequest(ctx, r.ID, Review{State: model.StateApproved, Reviewer: "rita", ReviewedAt: now}); err != nil {
		t.Fatalf("first review: %v", err)
	}

	err := s.ReviewRequest(ctx, r.ID, Review{State: model.StateRejected, Reviewer: "ron", ReviewedAt: now})
	if !errors.Is(err, model.ErrStaleState) {
		t.Errorf("second review error = %v, want ErrStaleState", err)
	}

	got, _ := s.GetRequest(ctx, r.ID)
	if got.State != model.StateApproved || got.Reviewer != "rita" {
		t.Errorf("state/reviewer = %s/%s, want approved/rita", got.State, got.Reviewer)
	}
	if got.ReviewedAt == nil {
		t.Error("ReviewedAt is nil")
	}
}

func TestReviewRequestConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")
	r := makeTestRequest("pg-1")
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	const reviewers = 8
	errs := make([]error, reviewers)
	var wg sync.WaitGroup
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := model.StateApproved
			if i%2 == 1 {
				state = model.StateRejected
			}
			errs[i] = s.ReviewRequest(ctx, r.ID, Review{State: state, Reviewer: "r", ReviewedAt: time.Now().UTC()})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, model.ErrStaleState):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
}

func TestReviewRequestNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.ReviewRequest(context.Background(), "nonexistent", Review{State: model.StateApproved})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestRequestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")
	r := makeTestRequest("pg-1")
	r.State = model.StateApproved
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	now := time.Now().UTC()
	if err := s.StartRequest(ctx, r.ID, now); err != nil {
		t.Fatalf("StartRequest: %v", err)
	}
	if err := s.StartRequest(ctx, r.ID, now); !errors.Is(err, model.ErrStaleState) {
		t.Errorf("second StartRequest error = %v, want ErrStaleState", err)
	}

	out := model.Outcome{
		State:      model.StateCompleted,
		Result:     `{"rowCount":1}`,
		Output:     "ok\n",
		DurationMS: 150,
	}
	if err := s.FinishRequest(ctx, r.ID, model.StateRunning, out, now.Add(150*time.Millisecond)); err != nil {
		t.Fatalf("FinishRequest: %v", err)
	}

	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.State != model.StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}
	if got.Result != out.Result || got.Output != out.Output {
		t.Errorf("Result/Output = %q/%q", got.Result, got.Output)
	}
	if got.DurationMS == nil || *got.DurationMS != 150 {
		t.Errorf("DurationMS = %v, want 150", got.DurationMS)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Error("StartedAt/FinishedAt not set")
	}

	again := model.Outcome{State: model.StateFailed, Error: "late"}
	if err := s.FinishRequest(ctx, r.ID, model.StateRunning, again, now); !errors.Is(err, model.ErrStaleState) {
		t.Errorf("second FinishRequest error = %v, want ErrStaleState", err)
	}
}

func TestFinishRequestInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		from model.RequestState
		to   model.RequestState
	}{
		{"pending→completed", model.StatePending, model.StateCompleted},
		{"approved→completed", model.StateApproved, model.StateCompleted},
		{"running→running", model.StateRunning, model.StateRunning},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.FinishRequest(ctx, "any", tc.from, model.Outcome{State: tc.to}, time.Now())
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("got error %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestFinishApprovedRequestAsFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")
	r := makeTestRequest("pg-1")
	r.State = model.StateApproved
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	out := model.Outcome{
		State:     model.StateFailed,
		Error:     model.ErrTargetNoLongerAvailable.Error(),
		ErrorCode: model.CodeTargetNoLongerAvailable,
	}
	if err := s.FinishRequest(ctx, r.ID, model.StateApproved, out, time.Now().UTC()); err != nil {
		t.Fatalf("FinishRequest: %v", err)
	}

	got, _ := s.GetRequest(ctx, r.ID)
	if got.ErrorCode != model.CodeTargetNoLongerAvailable {
		t.Errorf("ErrorCode = %q", got.ErrorCode)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt set for a request that never ran")
	}
}

func TestApplyInventory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := s.DeclareDatabases(ctx, "pg-1", []string{"analytics"}, t0); err != nil {
		t.Fatalf("DeclareDatabases: %v", err)
	}

	diff := model.InventoryDiff{Added: []string{"billing"}, Removed: []string{"analytics"}}
	if err := s.ApplyInventory(ctx, "pg-1", diff, t0.Add(time.Minute)); err != nil {
		t.Fatalf("ApplyInventory: %v", err)
	}

	active, err := s.ListDatabases(ctx, "pg-1", false)
	if err != nil {
		t.Fatalf("ListDatabases: %v", err)
	}
	if len(active) != 1 || active[0].Name != "billing" || active[0].Source != model.SourceDiscovered {
		t.Fatalf("active = %+v, want [billing discovered]", active)
	}

	all, _ := s.ListDatabases(ctx, "pg-1", true)
	if len(all) != 2 {
		t.Errorf("all = %d rows, want 2 (tombstone kept)", len(all))
	}

	// Reappearing name is re-activated and keeps its declared source.
	t2 := t0.Add(2 * time.Minute)
	if err := s.ApplyInventory(ctx, "pg-1", model.InventoryDiff{Added: []string{"analytics"}, Seen: []string{"billing"}}, t2); err != nil {
		t.Fatalf("ApplyInventory reactivate: %v", err)
	}
	d, err := s.GetDatabase(ctx, "pg-1", "analytics")
	if err != nil {
		t.Fatalf("GetDatabase: %v", err)
	}
	if !d.Active || d.Source != model.SourceDeclared {
		t.Errorf("analytics = active %v source %s, want active declared", d.Active, d.Source)
	}
	b, _ := s.GetDatabase(ctx, "pg-1", "billing")
	if !b.LastSeenAt.Equal(t2) {
		t.Errorf("billing LastSeenAt = %v, want %v", b.LastSeenAt, t2)
	}
}

func TestDeclareDatabasesKeepsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")
	t0 := time.Now().UTC()

	if err := s.ApplyInventory(ctx, "pg-1", model.InventoryDiff{Added: []string{"hr"}}, t0); err != nil {
		t.Fatalf("ApplyInventory: %v", err)
	}
	if err := s.DeclareDatabases(ctx, "pg-1", []string{"hr"}, t0); err != nil {
		t.Fatalf("DeclareDatabases: %v", err)
	}

	d, _ := s.GetDatabase(ctx, "pg-1", "hr")
	if d.Source != model.SourceDiscovered {
		t.Errorf("Source = %s, want discovered", d.Source)
	}
}

func TestBlacklistSeedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.SeedBlacklist(ctx, model.DefaultBlacklist)
	if err != nil {
		t.Fatalf("SeedBlacklist: %v", err)
	}
	if n != len(model.DefaultBlacklist) {
		t.Errorf("seeded = %d, want %d", n, len(model.DefaultBlacklist))
	}

	n, err = s.SeedBlacklist(ctx, model.DefaultBlacklist)
	if err != nil {
		t.Fatalf("SeedBlacklist again: %v", err)
	}
	if n != 0 {
		t.Errorf("second seed = %d, want 0", n)
	}

	if err := s.AppendBlacklistEntry(ctx, &model.BlacklistEntry{Pattern: "scratch_", Kind: model.MatchPrefix}); err != nil {
		t.Fatalf("AppendBlacklistEntry: %v", err)
	}
	entries, err := s.ListBlacklist(ctx)
	if err != nil {
		t.Fatalf("ListBlacklist: %v", err)
	}
	if len(entries) != len(model.DefaultBlacklist)+1 {
		t.Errorf("entries = %d", len(entries))
	}
	if last := entries[len(entries)-1]; last.Pattern != "scratch_" {
		t.Errorf("last entry = %q, want scratch_", last.Pattern)
	}
}

func TestAppendBlacklistEntryInvalid(t *testing.T) {
	s := newTestStore(t)

	err := s.AppendBlacklistEntry(context.Background(), &model.BlacklistEntry{Pattern: "(", Kind: model.MatchRegex})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}

func TestRecordSyncRunUpdatesInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := &model.SyncRun{
		InstanceID: "pg-1",
		Trigger:    model.TriggerManual,
		Found:      3,
		Added:      2,
		Status:     model.SyncStatusSucceeded,
		StartedAt:  started,
	}
	if err := s.RecordSyncRun(ctx, run); err != nil {
		t.Fatalf("RecordSyncRun: %v", err)
	}

	inst, err := s.GetInstance(ctx, "pg-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.LastSyncStatus != model.SyncStatusSucceeded {
		t.Errorf("LastSyncStatus = %q", inst.LastSyncStatus)
	}
	if inst.LastSyncAt == nil || !inst.LastSyncAt.Equal(started) {
		t.Errorf("LastSyncAt = %v, want %v", inst.LastSyncAt, started)
	}

	runs, err := s.ListSyncRuns(ctx, "pg-1", 10)
	if err != nil {
		t.Fatalf("ListSyncRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Added != 2 || runs[0].Trigger != model.TriggerManual {
		t.Errorf("runs = %+v", runs)
	}

	if err := s.RecordSyncRun(ctx, &model.SyncRun{InstanceID: "missing", StartedAt: started}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown instance error = %v, want ErrNotFound", err)
	}
}

func TestUpsertInstancePreservesSyncStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s, "pg-1")

	if err := s.RecordSyncRun(ctx, &model.SyncRun{InstanceID: "pg-1", Status: model.SyncStatusFailed, Error: "boom", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("RecordSyncRun: %v", err)
	}

	inst.Active = false
	inst.Port = 5433
	inst.LastSyncStatus = ""
	if err := s.UpsertInstance(ctx, inst); err != nil {
		t.Fatalf("UpsertInstance: %v", err)
	}

	got, _ := s.GetInstance(ctx, "pg-1")
	if got.Active || got.Port != 5433 {
		t.Errorf("definition not updated: %+v", got)
	}
	if got.LastSyncStatus != model.SyncStatusFailed || got.LastSyncError != "boom" {
		t.Errorf("sync status lost: %q %q", got.LastSyncStatus, got.LastSyncError)
	}

	active, _ := s.ListInstances(ctx, true)
	if len(active) != 0 {
		t.Errorf("active instances = %d, want 0", len(active))
	}
}

func TestGetRequestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedInstance(t, s, "pg-1")

	for i := 0; i < 3; i++ {
		r := makeTestRequest("pg-1")
		r.State = model.StateApproved
		if err := s.CreateRequest(ctx, r); err != nil {
			t.Fatalf("CreateRequest: %v", err)
		}
		if i < 2 {
			if err := s.StartRequest(ctx, r.ID, time.Now().UTC()); err != nil {
				t.Fatalf("StartRequest: %v", err)
			}
			out := model.Outcome{State: model.StateCompleted, DurationMS: 100 * (i + 1)}
			if err := s.FinishRequest(ctx, r.ID, model.StateRunning, out, time.Now().UTC()); err != nil {
				t.Fatalf("FinishRequest: %v", err)
			}
		}
	}

	stats, err := s.GetRequestStats(ctx)
	if err != nil {
		t.Fatalf("GetRequestStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByState[string(model.StateCompleted)] != 2 {
		t.Errorf("completed = %d, want 2", stats.CountByState[string(model.StateCompleted)])
	}
	if stats.CountByInstance["pg-1"] != 3 {
		t.Errorf("pg-1 = %d, want 3", stats.CountByInstance["pg-1"])
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %v, want 150", stats.AvgDurationMS)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
