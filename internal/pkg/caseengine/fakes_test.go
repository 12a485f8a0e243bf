package caseengine

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/recoverly-app/recoverly/app/models"
)

// In-memory repository fakes. They mirror the conditional-update semantics
// of the real implementations: transitions only fire from the open state and
// report whether the row actually moved.

type fakeCases struct {
	cases  map[uint]*models.RecoveryCase
	nextID uint
}

func newFakeCases() *fakeCases {
	return &fakeCases{cases: make(map[uint]*models.RecoveryCase), nextID: 1}
}

func (f *fakeCases) CreateIfNoneOpen(ctx context.Context, c *models.RecoveryCase) (bool, *models.RecoveryCase, error) {
	for _, existing := range f.cases {
		if existing.MembershipID == c.MembershipID && existing.Status == models.CaseStatusOpen {
			return false, existing, nil
		}
	}
	c.ID = f.nextID
	f.nextID++
	c.Status = models.CaseStatusOpen
	c.OpenMarker = models.OpenMarkerValue()
	f.cases[c.ID] = c
	return true, c, nil
}

func (f *fakeCases) GetByID(ctx context.Context, id uint) (*models.RecoveryCase, error) {
	c, ok := f.cases[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return c, nil
}

func (f *fakeCases) GetByUUID(ctx context.Context, uuid string) (*models.RecoveryCase, error) {
	for _, c := range f.cases {
		if c.UUID == uuid {
			return c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeCases) FindOpenByMembership(ctx context.Context, membershipID string) (*models.RecoveryCase, error) {
	for _, c := range f.cases {
		if c.MembershipID == membershipID && c.Status == models.CaseStatusOpen {
			return c, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeCases) AugmentOpenCase(ctx context.Context, id uint, eventID uint, now time.Time) (bool, error) {
	c, ok := f.cases[id]
	if !ok || c.Status != models.CaseStatusOpen || c.LastFailureEventID == eventID {
		return false, nil
	}
	c.Attempts++
	c.LastFailureEventID = eventID
	c.LastActionAt = &now
	return true, nil
}

func (f *fakeCases) GrantIncentiveOnce(ctx context.Context, id uint, days int) (bool, error) {
	c, ok := f.cases[id]
	if !ok || c.Status != models.CaseStatusOpen || c.IncentiveDaysGranted != 0 {
		return false, nil
	}
	c.IncentiveDaysGranted = days
	return true, nil
}

func (f *fakeCases) TransitionToRecovered(ctx context.Context, id uint, amountCents *int64, now time.Time) (bool, error) {
	c, ok := f.cases[id]
	if !ok || c.Status != models.CaseStatusOpen {
		return false, nil
	}
	c.Status = models.CaseStatusRecovered
	c.OpenMarker = nil
	c.RecoveredAmountCents = amountCents
	return true, nil
}

func (f *fakeCases) TransitionToClosed(ctx context.Context, id uint, reason string, now time.Time) (bool, error) {
	c, ok := f.cases[id]
	if !ok || c.Status != models.CaseStatusOpen {
		return false, nil
	}
	c.Status = models.CaseStatusClosedNoRecovery
	c.OpenMarker = nil
	c.CloseReason = reason
	return true, nil
}

func (f *fakeCases) TouchLastAction(ctx context.Context, id uint, now time.Time) error {
	if c, ok := f.cases[id]; ok {
		c.LastActionAt = &now
	}
	return nil
}

func (f *fakeCases) ListOpen(ctx context.Context, limit int) ([]models.RecoveryCase, error) {
	var out []models.RecoveryCase
	for _, c := range f.cases {
		if c.Status == models.CaseStatusOpen {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCases) ListOpenFirstFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.RecoveryCase, error) {
	var out []models.RecoveryCase
	for _, c := range f.cases {
		if c.Status == models.CaseStatusOpen && c.FirstFailureAt.Before(cutoff) {
			out = append(out, *c)
		}
	}
	return out, nil
}

type fakeActions struct {
	actions map[uint]*models.RecoveryAction
	nextID  uint
}

func newFakeActions() *fakeActions {
	return &fakeActions{actions: make(map[uint]*models.RecoveryAction), nextID: 1}
}

func (f *fakeActions) Create(ctx context.Context, a *models.RecoveryAction) error {
	a.ID = f.nextID
	f.nextID++
	if a.Outcome == "" {
		a.Outcome = models.ActionOutcomePending
	}
	f.actions[a.ID] = a
	return nil
}

func (f *fakeActions) GetByID(ctx context.Context, id uint) (*models.RecoveryAction, error) {
	a, ok := f.actions[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return a, nil
}

func (f *fakeActions) ExistsForOffset(ctx context.Context, caseID uint, offsetHours int) (bool, error) {
	for _, a := range f.actions {
		if a.CaseID == caseID && a.TimelineOffsetHours == offsetHours &&
			(a.Type == models.ActionTypeNudge || a.Type == models.ActionTypeReminder) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeActions) CancelPending(ctx context.Context, caseID uint, now time.Time) (int64, error) {
	var n int64
	for _, a := range f.actions {
		if a.CaseID == caseID && a.Outcome == models.ActionOutcomePending {
			a.Outcome = models.ActionOutcomeSkipped
			n++
		}
	}
	return n, nil
}

func (f *fakeActions) MarkExecuted(ctx context.Context, id uint, outcome string, now time.Time) error {
	a, ok := f.actions[id]
	if !ok || a.IsFinal() {
		return nil
	}
	a.Outcome = outcome
	a.ExecutedAt = &now
	return nil
}

func (f *fakeActions) ListByCase(ctx context.Context, caseID uint) ([]models.RecoveryAction, error) {
	var out []models.RecoveryAction
	for _, a := range f.actions {
		if a.CaseID == caseID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeActions) byType(actionType string) []*models.RecoveryAction {
	var out []*models.RecoveryAction
	for _, a := range f.actions {
		if a.Type == actionType {
			out = append(out, a)
		}
	}
	return out
}

type fakeEvents struct {
	events map[uint]*models.Event
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{events: make(map[uint]*models.Event)}
}

func (f *fakeEvents) add(ev *models.Event) *models.Event {
	f.events[ev.ID] = ev
	return ev
}

func (f *fakeEvents) CreateIfNotExists(ctx context.Context, event *models.Event) (bool, *models.Event, error) {
	return false, nil, errors.New("not used")
}

func (f *fakeEvents) GetByID(ctx context.Context, id uint) (*models.Event, error) {
	ev, ok := f.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return ev, nil
}

func (f *fakeEvents) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	if ev, ok := f.events[id]; ok {
		now := time.Now().UTC()
		ev.ProcessedAt = &now
		ev.ProcessingError = processingError
	}
	return nil
}

func (f *fakeEvents) RecordError(ctx context.Context, id uint, processingError string) error {
	if ev, ok := f.events[id]; ok {
		ev.ProcessingError = processingError
	}
	return nil
}

func (f *fakeEvents) ListUnprocessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	return nil, nil
}

func (f *fakeEvents) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	return nil, nil
}

func (f *fakeEvents) DeleteByIDs(ctx context.Context, ids []uint) error { return nil }

type fakeSettings struct {
	settings *models.AppSettings
}

func (f *fakeSettings) Get() (*models.AppSettings, error) { return f.settings, nil }

func (f *fakeSettings) GetValue(key string) (string, error) { return "", nil }

func (f *fakeSettings) SetValue(key, value string) error { return nil }

type enqueuedAction struct {
	ActionID uint
	CaseUUID string
	RunAt    time.Time
}

type fakeJobQueue struct {
	enqueued  []enqueuedAction
	cancelled []string
	failNext  bool
}

func (f *fakeJobQueue) EnqueueExecuteAction(ctx context.Context, actionID uint, caseUUID string, runAt time.Time) error {
	if f.failNext {
		f.failNext = false
		return errors.New("queue down")
	}
	f.enqueued = append(f.enqueued, enqueuedAction{ActionID: actionID, CaseUUID: caseUUID, RunAt: runAt})
	return nil
}

func (f *fakeJobQueue) CancelPendingForCase(ctx context.Context, caseUUID string) (int64, error) {
	f.cancelled = append(f.cancelled, caseUUID)
	return 1, nil
}

type fakeNotifier struct {
	pushes []string
	dms    []string
	err    error
}

func (f *fakeNotifier) SendPush(ctx context.Context, userID, message string) error {
	if f.err != nil {
		return f.err
	}
	f.pushes = append(f.pushes, message)
	return nil
}

func (f *fakeNotifier) SendDirectMessage(ctx context.Context, userID, message string) error {
	if f.err != nil {
		return f.err
	}
	f.dms = append(f.dms, message)
	return nil
}

type fakeBilling struct {
	cancelled []string
	err       error
}

func (f *fakeBilling) CancelMembership(ctx context.Context, membershipID string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, membershipID)
	return nil
}

type engineFixture struct {
	engine   *Service
	cases    *fakeCases
	actions  *fakeActions
	events   *fakeEvents
	jobs     *fakeJobQueue
	notifier *fakeNotifier
	billing  *fakeBilling
	now      time.Time
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		cases:    newFakeCases(),
		actions:  newFakeActions(),
		events:   newFakeEvents(),
		jobs:     &fakeJobQueue{},
		notifier: &fakeNotifier{},
		billing:  &fakeBilling{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	settings := &fakeSettings{settings: &models.AppSettings{
		TimelineOffsetHours:      []int{0, 48, 96},
		GracePeriodHours:         24,
		IncentiveDays:            3,
		WorkerCount:              1,
		JobMaxAttempts:           5,
		EventRetentionDays:       90,
		CancelMembershipOnExpiry: false,
	}}
	f.engine = NewService(f.cases, f.actions, f.events, settings, f.jobs, f.notifier, f.billing)
	f.engine.now = func() time.Time { return f.now }
	return f
}

func paymentFailedEvent(id uint, membershipID string) *models.Event {
	return &models.Event{
		ID:              id,
		Provider:        "billing",
		ProviderEventID: "evt_" + membershipID,
		Type:            models.EventTypePaymentFailed,
		CompanyID:       7,
		MembershipID:    membershipID,
		UserID:          "usr_1",
		FailureReason:   "card_declined",
		OccurredAt:      time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}
