package scheduler

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/recoverly-app/recoverly/app/models"
	"github.com/recoverly-app/recoverly/internal/pkg/caseengine"
)

// Minimal in-memory repositories; just enough state for the scan logic.

type memCases struct {
	cases map[uint]*models.RecoveryCase
}

func (m *memCases) CreateIfNoneOpen(ctx context.Context, c *models.RecoveryCase) (bool, *models.RecoveryCase, error) {
	return false, nil, nil
}

func (m *memCases) GetByID(ctx context.Context, id uint) (*models.RecoveryCase, error) {
	c, ok := m.cases[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

func (m *memCases) GetByUUID(ctx context.Context, uuid string) (*models.RecoveryCase, error) {
	return nil, gorm.ErrRecordNotFound
}

func (m *memCases) FindOpenByMembership(ctx context.Context, membershipID string) (*models.RecoveryCase, error) {
	return nil, gorm.ErrRecordNotFound
}

func (m *memCases) AugmentOpenCase(ctx context.Context, id uint, eventID uint, now time.Time) (bool, error) {
	return false, nil
}

func (m *memCases) GrantIncentiveOnce(ctx context.Context, id uint, days int) (bool, error) {
	return false, nil
}

func (m *memCases) TransitionToRecovered(ctx context.Context, id uint, amountCents *int64, now time.Time) (bool, error) {
	return false, nil
}

func (m *memCases) TransitionToClosed(ctx context.Context, id uint, reason string, now time.Time) (bool, error) {
	c, ok := m.cases[id]
	if !ok || c.Status != models.CaseStatusOpen {
		return false, nil
	}
	c.Status = models.CaseStatusClosedNoRecovery
	c.OpenMarker = nil
	c.CloseReason = reason
	return true, nil
}

func (m *memCases) TouchLastAction(ctx context.Context, id uint, now time.Time) error { return nil }

func (m *memCases) ListOpen(ctx context.Context, limit int) ([]models.RecoveryCase, error) {
	var out []models.RecoveryCase
	for _, c := range m.cases {
		if c.Status == models.CaseStatusOpen {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memCases) ListOpenFirstFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.RecoveryCase, error) {
	var out []models.RecoveryCase
	for _, c := range m.cases {
		if c.Status == models.CaseStatusOpen && c.FirstFailureAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out, nil
}

type memActions struct {
	actions []*models.RecoveryAction
}

func (m *memActions) Create(ctx context.Context, a *models.RecoveryAction) error {
	a.ID = uint(len(m.actions) + 1)
	if a.Outcome == "" {
		a.Outcome = models.ActionOutcomePending
	}
	m.actions = append(m.actions, a)
	return nil
}

func (m *memActions) GetByID(ctx context.Context, id uint) (*models.RecoveryAction, error) {
	for _, a := range m.actions {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memActions) ExistsForOffset(ctx context.Context, caseID uint, offsetHours int) (bool, error) {
	for _, a := range m.actions {
		if a.CaseID == caseID && a.TimelineOffsetHours == offsetHours &&
			(a.Type == models.ActionTypeNudge || a.Type == models.ActionTypeReminder) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memActions) CancelPending(ctx context.Context, caseID uint, now time.Time) (int64, error) {
	var n int64
	for _, a := range m.actions {
		if a.CaseID == caseID && a.Outcome == models.ActionOutcomePending {
			a.Outcome = models.ActionOutcomeSkipped
			n++
		}
	}
	return n, nil
}

func (m *memActions) MarkExecuted(ctx context.Context, id uint, outcome string, now time.Time) error {
	return nil
}

func (m *memActions) ListByCase(ctx context.Context, caseID uint) ([]models.RecoveryAction, error) {
	return nil, nil
}

type memEvents struct {
	unprocessed []models.Event
}

func (m *memEvents) CreateIfNotExists(ctx context.Context, event *models.Event) (bool, *models.Event, error) {
	return false, nil, nil
}

func (m *memEvents) GetByID(ctx context.Context, id uint) (*models.Event, error) {
	return nil, gorm.ErrRecordNotFound
}

func (m *memEvents) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	return nil
}

func (m *memEvents) RecordError(ctx context.Context, id uint, processingError string) error {
	return nil
}

func (m *memEvents) ListUnprocessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	var out []models.Event
	for _, ev := range m.unprocessed {
		if ev.CreatedAt.Before(cutoff) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memEvents) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	return nil, nil
}

func (m *memEvents) DeleteByIDs(ctx context.Context, ids []uint) error { return nil }

type memSettings struct {
	settings *models.AppSettings
}

func (m *memSettings) Get() (*models.AppSettings, error) { return m.settings, nil }

func (m *memSettings) GetValue(key string) (string, error) { return "", nil }

func (m *memSettings) SetValue(key, value string) error { return nil }

type recordingEnqueuer struct {
	events  []uint
	actions []uint
}

func (r *recordingEnqueuer) EnqueueProcessEvent(ctx context.Context, eventID uint) error {
	r.events = append(r.events, eventID)
	return nil
}

func (r *recordingEnqueuer) EnqueueExecuteAction(ctx context.Context, actionID uint, caseUUID string, runAt time.Time) error {
	r.actions = append(r.actions, actionID)
	return nil
}

func (r *recordingEnqueuer) CancelPendingForCase(ctx context.Context, caseUUID string) (int64, error) {
	return 0, nil
}

type noopNotifier struct{}

func (noopNotifier) SendPush(ctx context.Context, userID, message string) error { return nil }

func (noopNotifier) SendDirectMessage(ctx context.Context, userID, message string) error {
	return nil
}

type noopBilling struct{}

func (noopBilling) CancelMembership(ctx context.Context, membershipID string) error { return nil }

type schedulerFixture struct {
	scheduler *Scheduler
	cases     *memCases
	actions   *memActions
	events    *memEvents
	queue     *recordingEnqueuer
	settings  *models.AppSettings
	now       time.Time
}

func newSchedulerFixture() *schedulerFixture {
	f := &schedulerFixture{
		cases:   &memCases{cases: make(map[uint]*models.RecoveryCase)},
		actions: &memActions{},
		events:  &memEvents{},
		queue:   &recordingEnqueuer{},
		settings: &models.AppSettings{
			TimelineOffsetHours: []int{0, 48, 96},
			GracePeriodHours:    24,
			JobMaxAttempts:      5,
		},
		now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	settingsRepo := &memSettings{settings: f.settings}
	engine := caseengine.NewService(f.cases, f.actions, f.events, settingsRepo, f.queue, noopNotifier{}, noopBilling{})
	f.scheduler = New(f.cases, f.actions, f.events, settingsRepo, engine, f.queue)
	f.scheduler.now = func() time.Time { return f.now }
	return f
}

func (f *schedulerFixture) addOpenCase(id uint, firstFailureAgo time.Duration) *models.RecoveryCase {
	c := &models.RecoveryCase{
		ID:             id,
		UUID:           "case-" + string(rune('a'+id)),
		MembershipID:   "mem",
		UserID:         "usr",
		Status:         models.CaseStatusOpen,
		OpenMarker:     models.OpenMarkerValue(),
		FirstFailureAt: f.now.Add(-firstFailureAgo),
	}
	f.cases.cases[id] = c
	return c
}

func (f *schedulerFixture) actionsByOffset(caseID uint) map[int]string {
	out := make(map[int]string)
	for _, a := range f.actions.actions {
		if a.CaseID == caseID {
			out[a.TimelineOffsetHours] = a.Type
		}
	}
	return out
}

func TestDueScanSchedulesFirstDueStep(t *testing.T) {
	f := newSchedulerFixture()
	c := f.addOpenCase(1, time.Hour)

	if err := f.scheduler.RunDueScan(context.Background()); err != nil {
		t.Fatalf("RunDueScan() error = %v", err)
	}

	got := f.actionsByOffset(c.ID)
	if got[0] != models.ActionTypeNudge {
		t.Errorf("T+0 action = %q, want nudge", got[0])
	}
	if len(got) != 1 {
		t.Errorf("actions = %v, want only the T+0 step", got)
	}
	if len(f.queue.actions) != 1 {
		t.Errorf("enqueued = %d, want 1", len(f.queue.actions))
	}
}

func TestDueScanOneStepPerCasePerScan(t *testing.T) {
	f := newSchedulerFixture()
	// Three offsets are overdue, but each scan advances by one.
	c := f.addOpenCase(1, 200*time.Hour)

	for scan, wantActions := range []int{1, 2, 3} {
		if err := f.scheduler.RunDueScan(context.Background()); err != nil {
			t.Fatalf("scan %d error = %v", scan+1, err)
		}
		if got := len(f.actionsByOffset(c.ID)); got != wantActions {
			t.Fatalf("after scan %d: actions = %d, want %d", scan+1, got, wantActions)
		}
	}

	got := f.actionsByOffset(c.ID)
	if got[0] != models.ActionTypeNudge || got[48] != models.ActionTypeReminder || got[96] != models.ActionTypeReminder {
		t.Errorf("timeline steps = %v", got)
	}

	// A fourth scan finds every offset covered and schedules nothing.
	if err := f.scheduler.RunDueScan(context.Background()); err != nil {
		t.Fatalf("fourth scan error = %v", err)
	}
	if len(f.queue.actions) != 3 {
		t.Errorf("enqueued = %d, want 3", len(f.queue.actions))
	}
}

func TestDueScanSkipsFutureOffsets(t *testing.T) {
	f := newSchedulerFixture()
	c := f.addOpenCase(1, 10*time.Hour)

	// T+0 already has its nudge; T+48 is still 38 hours away.
	_ = f.actions.Create(context.Background(), &models.RecoveryAction{
		CaseID:              c.ID,
		Type:                models.ActionTypeNudge,
		TimelineOffsetHours: 0,
		ScheduledAt:         c.FirstFailureAt,
		Outcome:             models.ActionOutcomeSuccess,
	})

	if err := f.scheduler.RunDueScan(context.Background()); err != nil {
		t.Fatalf("RunDueScan() error = %v", err)
	}
	if len(f.queue.actions) != 0 {
		t.Errorf("enqueued = %d, want 0 with nothing due", len(f.queue.actions))
	}
}

func TestDueScanIgnoresTerminalCases(t *testing.T) {
	f := newSchedulerFixture()
	c := f.addOpenCase(1, 60*time.Hour)
	c.Status = models.CaseStatusRecovered
	c.OpenMarker = nil

	if err := f.scheduler.RunDueScan(context.Background()); err != nil {
		t.Fatalf("RunDueScan() error = %v", err)
	}
	if len(f.actions.actions) != 0 {
		t.Error("terminal cases must not get timeline steps")
	}
}

func TestExpiryScanClosesExhaustedCases(t *testing.T) {
	f := newSchedulerFixture()
	// Final offset 96h + grace 24h = 120h. One case past it, one inside it.
	expired := f.addOpenCase(1, 121*time.Hour)
	active := f.addOpenCase(2, 119*time.Hour)

	if err := f.scheduler.RunExpiryScan(context.Background()); err != nil {
		t.Fatalf("RunExpiryScan() error = %v", err)
	}

	if expired.Status != models.CaseStatusClosedNoRecovery {
		t.Errorf("expired case status = %q, want closed_no_recovery", expired.Status)
	}
	if expired.CloseReason != models.CaseCloseReasonTimelineExhausted {
		t.Errorf("close reason = %q, want %q", expired.CloseReason, models.CaseCloseReasonTimelineExhausted)
	}
	if active.Status != models.CaseStatusOpen {
		t.Errorf("active case status = %q, want open", active.Status)
	}
	// Cancel-on-expiry is off, so nothing is enqueued.
	if len(f.queue.actions) != 0 {
		t.Errorf("enqueued = %d, want 0", len(f.queue.actions))
	}
}

func TestExpiryScanSchedulesMembershipCancel(t *testing.T) {
	f := newSchedulerFixture()
	f.settings.CancelMembershipOnExpiry = true
	c := f.addOpenCase(1, 130*time.Hour)

	if err := f.scheduler.RunExpiryScan(context.Background()); err != nil {
		t.Fatalf("RunExpiryScan() error = %v", err)
	}

	if c.Status != models.CaseStatusClosedNoRecovery {
		t.Fatalf("case status = %q, want closed_no_recovery", c.Status)
	}

	var cancel *models.RecoveryAction
	for _, a := range f.actions.actions {
		if a.Type == models.ActionTypeCancelMembership {
			cancel = a
		}
	}
	if cancel == nil {
		t.Fatal("no cancel_membership action created")
	}
	// Created after the close, so the terminal sweep must not have touched it.
	if cancel.Outcome != models.ActionOutcomePending {
		t.Errorf("cancel action outcome = %q, want pending", cancel.Outcome)
	}
	if len(f.queue.actions) != 1 || f.queue.actions[0] != cancel.ID {
		t.Errorf("enqueued = %v, want the cancel action %d", f.queue.actions, cancel.ID)
	}
}

func TestRepairScanReenqueuesStaleEvents(t *testing.T) {
	f := newSchedulerFixture()
	f.events.unprocessed = []models.Event{
		{ID: 1, CreatedAt: f.now.Add(-time.Hour)},
		{ID: 2, CreatedAt: f.now.Add(-10 * time.Minute)},
		{ID: 3, CreatedAt: f.now.Add(-time.Minute)}, // inside the lag window
	}

	if err := f.scheduler.RunRepairScan(context.Background()); err != nil {
		t.Fatalf("RunRepairScan() error = %v", err)
	}

	if len(f.queue.events) != 2 {
		t.Fatalf("re-enqueued = %v, want events 1 and 2", f.queue.events)
	}
	for i, want := range []uint{1, 2} {
		if f.queue.events[i] != want {
			t.Errorf("re-enqueued[%d] = %d, want %d", i, f.queue.events[i], want)
		}
	}
}
