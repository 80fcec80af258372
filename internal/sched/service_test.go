package sched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/eventbus"
	"alarmd/internal/storage"
	"alarmd/internal/wake"
	logx "alarmd/pkg/logx"
)

// monday0800 is a fixed reference clock: Monday 2024-03-04 08:00 UTC.
var monday0800 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

type fakeWake struct {
	mu       sync.Mutex
	requests map[alarm.Key]time.Time
	canceled []alarm.Key
	reqCount int
	failWith error // returned by RequestAt when set
	failKey  alarm.Key
}

func newFakeWake() *fakeWake {
	return &fakeWake{requests: map[alarm.Key]time.Time{}}
}

func (f *fakeWake) RequestAt(at time.Time, key alarm.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil && (f.failKey == "" || f.failKey == key) {
		return f.failWith
	}
	f.requests[key] = at
	f.reqCount++
	return nil
}

func (f *fakeWake) Cancel(key alarm.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.requests[key]; ok {
		delete(f.requests, key)
		f.canceled = append(f.canceled, key)
	}
	return nil
}

func (f *fakeWake) pending() map[alarm.Key]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[alarm.Key]time.Time, len(f.requests))
	for k, v := range f.requests {
		out[k] = v
	}
	return out
}

var _ wake.Scheduler = (*fakeWake)(nil)

func newTestService(t *testing.T, alarms ...alarm.Alarm) (*Service, *fakeWake, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for _, a := range alarms {
		if err := st.Put(context.Background(), a); err != nil {
			t.Fatalf("seed alarm %s: %v", a.ID, err)
		}
	}
	fw := newFakeWake()
	svc := New(Config{Enabled: true, Timezone: "UTC"}, st, fw, logx.Nop(), eventbus.New())
	svc.now = func() time.Time { return monday0800 }
	return svc, fw, st
}

func mustTime(t *testing.T, s string) alarm.TimeOfDay {
	t.Helper()
	tod, err := alarm.ParseTimeOfDay(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return tod
}

func TestApplyArmsSelectedWeekdays(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "07:30"),
		Days:   alarm.Days(time.Monday, time.Wednesday),
		Active: true,
		Repeat: true,
	}
	svc, fw, _ := newTestService(t, a)

	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pending := fw.pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2: %v", len(pending), pending)
	}

	// Monday 07:30 has already passed at 08:00, so it lands next Monday.
	monKey := alarm.NewKey("a1", time.Monday, a.Time)
	wantMon := time.Date(2024, 3, 11, 7, 30, 0, 0, time.UTC)
	if got := pending[monKey]; !got.Equal(wantMon) {
		t.Errorf("monday = %v, want %v", got, wantMon)
	}

	// Wednesday is still ahead this week.
	wedKey := alarm.NewKey("a1", time.Wednesday, a.Time)
	wantWed := time.Date(2024, 3, 6, 7, 30, 0, 0, time.UTC)
	if got := pending[wedKey]; !got.Equal(wantWed) {
		t.Errorf("wednesday = %v, want %v", got, wantWed)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "09:00"),
		Days:   alarm.Days(time.Tuesday, time.Friday),
		Active: true,
	}
	svc, fw, _ := newTestService(t, a)

	for i := 0; i < 3; i++ {
		if err := svc.Apply(context.Background(), a); err != nil {
			t.Fatalf("apply #%d: %v", i, err)
		}
	}

	pending := fw.pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2 (same keys overwritten)", len(pending))
	}
	if len(fw.canceled) != 0 {
		t.Errorf("canceled = %v, want none", fw.canceled)
	}
	if got := svc.PendingKeys("a1"); len(got) != 2 {
		t.Errorf("tracked keys = %v, want 2", got)
	}
}

func TestApplyEmptyDaysArmsNothing(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{ID: "a1", Time: mustTime(t, "07:00"), Active: true}
	svc, fw, _ := newTestService(t, a)

	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := fw.pending(); len(got) != 0 {
		t.Errorf("pending = %v, want none", got)
	}
	if _, ok := alarm.NextTriggerTime(a, monday0800); ok {
		t.Error("NextTriggerTime reported a trigger for an empty day set")
	}
}

func TestDayEditCancelsStaleKeys(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "06:15"),
		Days:   alarm.Days(time.Monday, time.Thursday),
		Active: true,
	}
	svc, fw, st := newTestService(t, a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Drop Monday, keep Thursday, add Saturday.
	a.Days = alarm.Days(time.Thursday, time.Saturday)
	if err := st.Put(context.Background(), a); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("re-apply: %v", err)
	}

	pending := fw.pending()
	if _, ok := pending[alarm.NewKey("a1", time.Monday, a.Time)]; ok {
		t.Error("monday key survived the day-set edit")
	}
	if len(pending) != 2 {
		t.Errorf("pending = %d, want 2: %v", len(pending), pending)
	}
}

func TestDeactivateCancelsAllKeys(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "22:00"),
		Days:   alarm.Days(time.Tuesday, time.Friday),
		Active: true,
	}
	svc, fw, st := newTestService(t, a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(fw.pending()) != 2 {
		t.Fatalf("precondition: 2 pending, got %v", fw.pending())
	}

	a.Active = false
	if err := st.Put(context.Background(), a); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if got := fw.pending(); len(got) != 0 {
		t.Errorf("pending after deactivate = %v, want none", got)
	}
	if got := svc.PendingKeys("a1"); len(got) != 0 {
		t.Errorf("tracked after deactivate = %v, want none", got)
	}
}

func TestToggleRestoresSameKeys(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "05:45"),
		Days:   alarm.Days(time.Sunday, time.Wednesday),
		Active: true,
	}
	svc, fw, st := newTestService(t, a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}
	before := svc.PendingKeys("a1")

	a.Active = false
	_ = st.Put(context.Background(), a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	a.Active = true
	_ = st.Put(context.Background(), a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	after := svc.PendingKeys("a1")
	if len(before) != len(after) {
		t.Fatalf("keys before = %v, after = %v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("key %d: before %s, after %s", i, before[i], after[i])
		}
	}
	if len(fw.pending()) != 2 {
		t.Errorf("pending = %v, want 2", fw.pending())
	}
}

func TestApplyPermissionDenied(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "08:30"),
		Days:   alarm.Days(time.Monday),
		Active: true,
	}
	svc, fw, _ := newTestService(t, a)
	fw.failWith = wake.ErrPermissionDenied

	err := svc.Apply(context.Background(), a)
	if !errors.Is(err, wake.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if got := svc.PendingKeys("a1"); len(got) != 0 {
		t.Errorf("tracked despite failure: %v", got)
	}
}

func TestApplyPartialFailureKeepsSuccessfulDays(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "08:30"),
		Days:   alarm.Days(time.Monday, time.Thursday),
		Active: true,
	}
	svc, fw, _ := newTestService(t, a)
	fw.failWith = wake.ErrSchedulingFailed
	fw.failKey = alarm.NewKey("a1", time.Thursday, a.Time)

	err := svc.Apply(context.Background(), a)
	if !errors.Is(err, wake.ErrSchedulingFailed) {
		t.Fatalf("err = %v, want ErrSchedulingFailed", err)
	}
	// Monday still went through; the failure is reported, not rolled back.
	if _, ok := fw.pending()[alarm.NewKey("a1", time.Monday, a.Time)]; !ok {
		t.Error("monday request rolled back on sibling failure")
	}
}

func TestHandleWakeRepeatRearmsOneWeekOut(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "07:30"),
		Days:   alarm.Days(time.Wednesday),
		Active: true,
		Repeat: true,
	}
	svc, fw, _ := newTestService(t, a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}
	firedAt := time.Date(2024, 3, 6, 7, 30, 0, 0, time.UTC)

	var fired []FiredAlarm
	svc.SetFiredHandler(func(f FiredAlarm) { fired = append(fired, f) })

	// Advance the clock to the fire instant before the callback runs.
	svc.now = func() time.Time { return firedAt }
	svc.HandleWake(alarm.NewKey("a1", time.Wednesday, a.Time), firedAt)

	if len(fired) != 1 {
		t.Fatalf("fired handler calls = %d, want 1", len(fired))
	}
	key := alarm.NewKey("a1", time.Wednesday, a.Time)
	want := firedAt.AddDate(0, 0, 7)
	if got := fw.pending()[key]; !got.Equal(want) {
		t.Errorf("re-armed at %v, want %v", got, want)
	}
}

func TestHandleWakeOneShotIsTerminal(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "07:30"),
		Days:   alarm.Days(time.Wednesday, time.Friday),
		Active: true,
		Repeat: false,
	}
	svc, fw, _ := newTestService(t, a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}

	firedAt := time.Date(2024, 3, 6, 7, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return firedAt }
	svc.HandleWake(alarm.NewKey("a1", time.Wednesday, a.Time), firedAt)

	pending := fw.pending()
	if _, ok := pending[alarm.NewKey("a1", time.Wednesday, a.Time)]; ok {
		t.Error("one-shot weekday re-armed after firing")
	}
	// The other weekday stays armed untouched.
	if _, ok := pending[alarm.NewKey("a1", time.Friday, a.Time)]; !ok {
		t.Error("sibling weekday lost its request")
	}
}

func TestHandleWakeMissingAlarmIsIgnored(t *testing.T) {
	t.Parallel()

	svc, fw, _ := newTestService(t)
	svc.HandleWake(alarm.NewKey("ghost", time.Monday, alarm.TimeOfDay{Hour: 7}), monday0800)
	if got := fw.pending(); len(got) != 0 {
		t.Errorf("pending = %v, want none", got)
	}
	if h := svc.firedHistory(); len(h) != 0 {
		t.Errorf("history = %v, want empty", h)
	}
}

func TestDeleteTearsDownAndRemoves(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "12:00"),
		Days:   alarm.Days(time.Saturday),
		Active: true,
	}
	svc, fw, st := newTestService(t, a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := svc.Delete(context.Background(), a); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := fw.pending(); len(got) != 0 {
		t.Errorf("pending = %v, want none", got)
	}
	if _, err := st.Get(context.Background(), "a1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("store get = %v, want ErrNotFound", err)
	}
}

func TestSnapshotReportsNextAlarm(t *testing.T) {
	t.Parallel()

	early := alarm.Alarm{
		ID:     "early",
		Time:   mustTime(t, "09:00"), // Monday 09:00, one hour out
		Days:   alarm.Days(time.Monday),
		Active: true,
	}
	late := alarm.Alarm{
		ID:     "late",
		Time:   mustTime(t, "07:00"), // passed today, next Friday
		Days:   alarm.Days(time.Friday),
		Active: true,
	}
	idle := alarm.Alarm{
		ID:   "idle",
		Time: mustTime(t, "07:00"),
		Days: alarm.Days(time.Monday),
	}
	svc, _, _ := newTestService(t, early, late, idle)
	for _, a := range []alarm.Alarm{early, late} {
		if err := svc.Apply(context.Background(), a); err != nil {
			t.Fatalf("apply %s: %v", a.ID, err)
		}
	}

	snap := svc.Snapshot(context.Background())
	if snap.NextAlarmID != "early" {
		t.Errorf("next alarm id = %q, want %q", snap.NextAlarmID, "early")
	}
	want := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	if !snap.NextAlarm.Equal(want) {
		t.Errorf("next alarm = %v, want %v", snap.NextAlarm, want)
	}
	if len(snap.Alarms) != 3 {
		t.Fatalf("alarms = %d, want 3", len(snap.Alarms))
	}
	for _, st := range snap.Alarms {
		wantState := "armed"
		if st.ID == "idle" {
			wantState = "idle"
		}
		if st.State != wantState {
			t.Errorf("alarm %s state = %q, want %q", st.ID, st.State, wantState)
		}
	}
}

func TestSweepRearmsFromStore(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "07:30"),
		Days:   alarm.Days(time.Monday, time.Wednesday),
		Active: true,
		Repeat: true,
	}
	off := alarm.Alarm{
		ID:   "a2",
		Time: mustTime(t, "09:00"),
		Days: alarm.Days(time.Friday),
	}
	svc, fw, _ := newTestService(t, a, off)

	// Nothing has been applied yet; the sweep must arm straight from the store.
	svc.sweep(context.Background())

	pending := fw.pending()
	if len(pending) != 2 {
		t.Fatalf("pending after sweep = %d, want 2", len(pending))
	}
	if len(fw.canceled) != 0 {
		t.Errorf("sweep canceled %d keys, want 0", len(fw.canceled))
	}

	// Repeating the sweep re-requests the same keys at the same instants.
	svc.sweep(context.Background())
	svc.sweep(context.Background())

	got := fw.pending()
	if len(got) != 2 {
		t.Fatalf("pending after repeat sweeps = %d, want 2", len(got))
	}
	for k, at := range pending {
		if !got[k].Equal(at) {
			t.Errorf("key %s moved from %v to %v across sweeps", k, at, got[k])
		}
	}
	if len(fw.canceled) != 0 {
		t.Errorf("repeat sweeps canceled %d keys, want 0", len(fw.canceled))
	}
}

func TestSweepKeepsFiredOneShotDayTerminal(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "07:30"),
		Days:   alarm.Days(time.Wednesday, time.Friday),
		Active: true,
		Repeat: false,
	}
	svc, fw, st := newTestService(t, a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}

	firedAt := time.Date(2024, 3, 6, 7, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return firedAt }
	svc.HandleWake(alarm.NewKey("a1", time.Wednesday, a.Time), firedAt)

	// The self-heal pass must not resurrect the fired weekday.
	svc.sweep(context.Background())

	wedKey := alarm.NewKey("a1", time.Wednesday, a.Time)
	friKey := alarm.NewKey("a1", time.Friday, a.Time)
	pending := fw.pending()
	if at, ok := pending[wedKey]; ok {
		t.Errorf("sweep re-armed fired one-shot weekday for %v", at)
	}
	if _, ok := pending[friKey]; !ok {
		t.Error("sweep dropped the remaining weekday")
	}

	// A fresh service over the same store (restart) sees the same terminal state.
	fw2 := newFakeWake()
	svc2 := New(Config{Enabled: true, Timezone: "UTC"}, st, fw2, logx.Nop(), eventbus.New())
	svc2.now = func() time.Time { return firedAt }
	svc2.rearmAll(context.Background())

	if _, ok := fw2.pending()[wedKey]; ok {
		t.Error("restart re-armed fired one-shot weekday")
	}
	if _, ok := fw2.pending()[friKey]; !ok {
		t.Error("restart lost the remaining weekday")
	}
}

func TestResetFiredRearmsOneShot(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "07:30"),
		Days:   alarm.Days(time.Wednesday),
		Active: true,
		Repeat: false,
	}
	svc, fw, _ := newTestService(t, a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}

	firedAt := time.Date(2024, 3, 6, 7, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return firedAt }
	svc.HandleWake(alarm.NewKey("a1", time.Wednesday, a.Time), firedAt)

	wedKey := alarm.NewKey("a1", time.Wednesday, a.Time)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply after fire: %v", err)
	}
	if _, ok := fw.pending()[wedKey]; ok {
		t.Fatal("apply re-armed a terminal weekday without a reset")
	}

	svc.ResetFired(context.Background(), "a1")
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply after reset: %v", err)
	}
	want := firedAt.AddDate(0, 0, 7)
	if got, ok := fw.pending()[wedKey]; !ok || !got.Equal(want) {
		t.Errorf("after reset pending[%s] = %v (ok=%v), want %v", wedKey, got, ok, want)
	}
}

func TestDeleteClearsFiredState(t *testing.T) {
	t.Parallel()

	a := alarm.Alarm{
		ID:     "a1",
		Time:   mustTime(t, "07:30"),
		Days:   alarm.Days(time.Wednesday),
		Active: true,
		Repeat: false,
	}
	svc, fw, st := newTestService(t, a)
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply: %v", err)
	}

	firedAt := time.Date(2024, 3, 6, 7, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return firedAt }
	svc.HandleWake(alarm.NewKey("a1", time.Wednesday, a.Time), firedAt)

	if err := svc.Delete(context.Background(), a); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Recreating the id starts from a clean slate.
	if err := st.Put(context.Background(), a); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := svc.Apply(context.Background(), a); err != nil {
		t.Fatalf("apply recreated: %v", err)
	}
	wedKey := alarm.NewKey("a1", time.Wednesday, a.Time)
	if _, ok := fw.pending()[wedKey]; !ok {
		t.Error("recreated alarm inherited terminal state from the deleted one")
	}
}
