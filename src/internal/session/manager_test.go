package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"consulthub-session-svc/src/internal/billing"
	"consulthub-session-svc/src/internal/config"
	"consulthub-session-svc/src/internal/models"
	"consulthub-session-svc/src/internal/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*user.User

	// debitFailures makes the next N debits fail with debitErr.
	debitFailures int
	debitErr      error
}

func newFakeUserRepo(users ...*user.User) *fakeUserRepo {
	m := make(map[string]*user.User)
	for _, u := range users {
		m[u.UserID] = u
	}
	return &fakeUserRepo{users: m}
}

func (f *fakeUserRepo) GetByID(_ context.Context, userID string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) ListAdvisors(_ context.Context) ([]*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*user.User
	for _, u := range f.users {
		if u.IsAdvisor() {
			copied := *u
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeUserRepo) SetAvailability(_ context.Context, userID string, av user.Availability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	u.IsChatOnline = av.Chat
	u.IsAudioOnline = av.Audio
	u.IsVideoOnline = av.Video
	u.IsOnline = av.Any()
	u.IsAvailable = av.Any()
	return nil
}

func (f *fakeUserRepo) SavePushToken(_ context.Context, userID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	u.PushToken = token
	return nil
}

func (f *fakeUserRepo) UpdateLastSeen(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		u.LastSeen = time.Now()
	}
	return nil
}

func (f *fakeUserRepo) DebitWallet(_ context.Context, userID string, amount float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitFailures > 0 {
		f.debitFailures--
		return 0, f.debitErr
	}
	u, ok := f.users[userID]
	if !ok {
		return 0, models.ErrUserNotFound
	}
	if u.WalletBalance < amount {
		return 0, models.ErrInsufficientFunds
	}
	u.WalletBalance -= amount
	return u.WalletBalance, nil
}

func (f *fakeUserRepo) CreditEarnings(_ context.Context, userID string, amount float64) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	u.WalletBalance += amount
	u.TotalEarnings += amount
	copied := *u
	return &copied, nil
}

func (f *fakeUserRepo) balance(userID string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[userID].WalletBalance
}

type fakeSessionRepo struct {
	mu      sync.Mutex
	records map[string]*Record

	createErr error
	// createGate, when set, suspends Create until the gate closes;
	// createEntered is signalled once a call reaches the suspension point.
	createGate    chan struct{}
	createEntered chan struct{}
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{records: make(map[string]*Record)}
}

func (f *fakeSessionRepo) Create(_ context.Context, rec *Record) error {
	f.mu.Lock()
	gate, entered := f.createGate, f.createEntered
	createErr := f.createErr
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}
	if createErr != nil {
		return createErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *rec
	f.records[rec.SessionID] = &copied
	return nil
}

func (f *fakeSessionRepo) GetByID(_ context.Context, sessionID string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[sessionID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeSessionRepo) SetConnectedAt(_ context.Context, sessionID, role string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[sessionID]
	if !ok {
		return nil
	}
	if role == "advisor" {
		if rec.AdvisorConnectedAt == nil {
			rec.AdvisorConnectedAt = &at
		}
	} else {
		if rec.ClientConnectedAt == nil {
			rec.ClientConnectedAt = &at
		}
	}
	return nil
}

func (f *fakeSessionRepo) SetBillingStart(_ context.Context, sessionID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[sessionID]; ok {
		rec.BillingStart = &at
	}
	return nil
}

func (f *fakeSessionRepo) Finish(_ context.Context, sessionID string, endTime time.Time, durationSeconds int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[sessionID]
	if !ok || rec.Status != StatusActive {
		return nil
	}
	rec.Status = StatusEnded
	rec.EndTime = &endTime
	rec.DurationSeconds = durationSeconds
	return nil
}

func (f *fakeSessionRepo) ListByUser(_ context.Context, userID string, _ int64) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Record
	for _, rec := range f.records {
		if rec.ClientID == userID || rec.AdvisorID == userID {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakePairRepo struct {
	mu    sync.Mutex
	pairs map[string]*billing.PairMonth
}

func newFakePairRepo() *fakePairRepo {
	return &fakePairRepo{pairs: make(map[string]*billing.PairMonth)}
}

func (f *fakePairRepo) seed(clientID, advisorID, yearMonth string, slab int, seconds int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := billing.PairID(clientID, advisorID) + "_" + yearMonth
	f.pairs[key] = &billing.PairMonth{
		ID:          primitive.NewObjectID(),
		PairID:      billing.PairID(clientID, advisorID),
		ClientID:    clientID,
		AdvisorID:   advisorID,
		YearMonth:   yearMonth,
		CurrentSlab: slab,
		SecondsUsed: seconds,
	}
}

func (f *fakePairRepo) GetOrCreate(_ context.Context, clientID, advisorID, yearMonth string, startingSlab int) (*billing.PairMonth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := billing.PairID(clientID, advisorID) + "_" + yearMonth
	p, ok := f.pairs[key]
	if !ok {
		p = &billing.PairMonth{
			ID:          primitive.NewObjectID(),
			PairID:      billing.PairID(clientID, advisorID),
			ClientID:    clientID,
			AdvisorID:   advisorID,
			YearMonth:   yearMonth,
			CurrentSlab: startingSlab,
		}
		f.pairs[key] = p
	}
	copied := *p
	return &copied, nil
}

func (f *fakePairRepo) RaiseSlab(_ context.Context, id primitive.ObjectID, slab int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pairs {
		if p.ID == id && slab > p.CurrentSlab {
			p.CurrentSlab = slab
		}
	}
	return nil
}

func (f *fakePairRepo) AddSeconds(_ context.Context, id primitive.ObjectID, seconds int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pairs {
		if p.ID == id {
			p.SecondsUsed += seconds
		}
	}
	return nil
}

func (f *fakePairRepo) byID(id primitive.ObjectID) *billing.PairMonth {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pairs {
		if p.ID == id {
			copied := *p
			return &copied
		}
	}
	return nil
}

type fakeLedger struct {
	mu      sync.Mutex
	entries []*billing.LedgerEntry
}

func (f *fakeLedger) Append(_ context.Context, entry *billing.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeLedger) ListBySession(_ context.Context, sessionID string) ([]*billing.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*billing.LedgerEntry
	for _, e := range f.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakePresence struct {
	mu        sync.Mutex
	connected map[string]bool
}

func newFakePresence(userIDs ...string) *fakePresence {
	m := make(map[string]bool)
	for _, id := range userIDs {
		m[id] = true
	}
	return &fakePresence{connected: m}
}

func (f *fakePresence) IsConnected(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[userID]
}

func (f *fakePresence) set(userID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[userID] = online
}

type sentEvent struct {
	UserID  string
	Event   string
	Payload any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeNotifier) Send(userID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{UserID: userID, Event: event, Payload: payload})
}

func (f *fakeNotifier) byEvent(event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakePush struct {
	mu      sync.Mutex
	invites []*models.CallInvitePush
}

func (f *fakePush) PublishCallInvite(invite *models.CallInvitePush) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, invite)
	return nil
}

type harness struct {
	cfg      *config.Configuration
	registry *Registry
	repo     *fakeSessionRepo
	userRepo *fakeUserRepo
	users    user.Service
	pairs    *fakePairRepo
	ledger   *fakeLedger
	presence *fakePresence
	notifier *fakeNotifier
	push     *fakePush
	manager  *Manager
	ticker   *Ticker
}

func managerTestConfig() *config.Configuration {
	return &config.Configuration{
		Billing: config.BillingConfig{
			TickIntervalSeconds: 1,
			AnchorBufferSeconds: 2,
			ChatPricePerMinute:  10,
			AudioPricePerMinute: 15,
			VideoPricePerMinute: 20,
			NewPairStartingSlab: 3,
		},
		Presence: config.PresenceConfig{GracePeriodMinutes: 5},
	}
}

func newHarness(users ...*user.User) *harness {
	cfg := managerTestConfig()
	h := &harness{
		cfg:      cfg,
		registry: NewRegistry(),
		repo:     newFakeSessionRepo(),
		userRepo: newFakeUserRepo(users...),
		pairs:    newFakePairRepo(),
		ledger:   &fakeLedger{},
		notifier: &fakeNotifier{},
		push:     &fakePush{},
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	h.presence = newFakePresence(ids...)

	h.users = user.NewUserService(h.userRepo, cfg)
	charger := billing.NewCharger(h.users, h.ledger, h.notifier, cfg)
	h.manager = NewManager(h.registry, h.repo, h.users, h.pairs, charger, h.presence, h.notifier, h.push, cfg)
	h.ticker = NewTicker(h.registry, h.presence, charger, h.pairs, h.manager, cfg)
	return h
}

// startBilledSession creates a session, marks both sides connected and returns
// the live session with its anchor already fixed.
func (h *harness) startBilledSession(t *testing.T, clientID, advisorID, kind string) *ActiveSession {
	t.Helper()
	ctx := context.Background()

	sessionID, err := h.manager.CreateSession(ctx, clientID, advisorID, kind, nil)
	require.NoError(t, err)

	require.NoError(t, h.manager.MarkConnected(ctx, sessionID, clientID))
	require.NoError(t, h.manager.MarkConnected(ctx, sessionID, advisorID))

	s, ok := h.registry.Get(sessionID)
	require.True(t, ok)
	require.False(t, s.BillingAnchor.IsZero())
	return s
}

// tickSeconds drives n one-second ticks starting at the session's anchor.
func (h *harness) tickSeconds(s *ActiveSession, n int) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		h.ticker.Tick(ctx, s.BillingAnchor.Add(time.Duration(i)*time.Second))
	}
}

func testClient(id string, balance float64) *user.User {
	return &user.User{UserID: id, Role: user.RoleClient, Name: "Client " + id, WalletBalance: balance}
}

func testAdvisor(id string, price float64) *user.User {
	return &user.User{
		UserID:       id,
		Role:         user.RoleAdvisor,
		Name:         "Advisor " + id,
		Price:        price,
		IsOnline:     true,
		IsChatOnline: true,
		IsAvailable:  true,
		LastSeen:     time.Now(),
	}
}

func TestCreateSessionNotifiesConnectedAdvisor(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))

	sessionID, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)

	incoming := h.notifier.byEvent(models.EventIncomingSession)
	require.Len(t, incoming, 1)
	assert.Equal(t, "a1", incoming[0].UserID)
	ev := incoming[0].Payload.(*models.IncomingSessionEvent)
	assert.Equal(t, sessionID, ev.SessionID)
	assert.Equal(t, "c1", ev.FromUserID)
	assert.Empty(t, h.push.invites)

	id, ok := h.registry.UserSession("a1")
	require.True(t, ok)
	assert.Equal(t, sessionID, id)
}

func TestCreateSessionFallsBackToPush(t *testing.T) {
	advisor := testAdvisor("a1", 10)
	advisor.PushToken = "device-token"
	h := newHarness(testClient("c1", 100), advisor)
	h.presence.set("a1", false)

	sessionID, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindAudio, nil)
	require.NoError(t, err)

	assert.Empty(t, h.notifier.byEvent(models.EventIncomingSession))
	require.Len(t, h.push.invites, 1)
	assert.Equal(t, sessionID, h.push.invites[0].CallID)
	assert.Equal(t, "device-token", h.push.invites[0].PushToken)
	assert.Equal(t, "Client c1", h.push.invites[0].CallerName)
}

func TestCreateSessionRejectsUnavailableAdvisor(t *testing.T) {
	advisor := testAdvisor("a1", 10)
	advisor.IsAvailable = false
	advisor.IsOnline = false
	advisor.LastSeen = time.Now().Add(-time.Hour)
	h := newHarness(testClient("c1", 100), advisor)

	_, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	assert.ErrorIs(t, err, models.ErrAdvisorUnavailable)
}

func TestCreateSessionRejectsBusyAdvisor(t *testing.T) {
	h := newHarness(testClient("c1", 100), testClient("c2", 100), testAdvisor("a1", 10))

	_, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.NoError(t, err)

	_, err = h.manager.CreateSession(context.Background(), "c2", "a1", KindChat, nil)
	assert.ErrorIs(t, err, models.ErrAdvisorBusy)
}

func TestCreateSessionBusyCheckIsAtomic(t *testing.T) {
	h := newHarness(testClient("c1", 100), testClient("c2", 100), testAdvisor("a1", 10))
	h.repo.createGate = make(chan struct{})
	h.repo.createEntered = make(chan struct{}, 1)

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
		firstErr <- err
	}()

	// First request is suspended inside the durable create; the advisor must
	// already be reserved.
	<-h.repo.createEntered

	_, err := h.manager.CreateSession(context.Background(), "c2", "a1", KindChat, nil)
	assert.ErrorIs(t, err, models.ErrAdvisorBusy)

	close(h.repo.createGate)
	require.NoError(t, <-firstErr)

	assert.Equal(t, 1, h.registry.Len())
	id, ok := h.registry.UserSession("a1")
	require.True(t, ok)
	s, ok := h.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, "c1", s.ClientID)
}

func TestCreateSessionRollsBackReservationOnStoreFailure(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))
	h.repo.createErr = models.ErrDatabaseInsert

	_, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.ErrorIs(t, err, models.ErrDatabaseInsert)

	assert.Equal(t, 0, h.registry.Len())
	_, ok := h.registry.UserSession("a1")
	assert.False(t, ok)

	// The advisor is free again once the store recovers.
	h.repo.createErr = nil
	_, err = h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.NoError(t, err)
}

func TestCreateSessionRejectsBusyCaller(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10), testAdvisor("a2", 10))

	_, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.NoError(t, err)

	_, err = h.manager.CreateSession(context.Background(), "c1", "a2", KindChat, nil)
	assert.ErrorIs(t, err, models.ErrAlreadyInSession)
}

func TestCreateSessionResolvesRolesWhenAdvisorCalls(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))
	// Clients are reachable the same way advisors are.
	h.userRepo.users["c1"].IsAvailable = true

	sessionID, err := h.manager.CreateSession(context.Background(), "a1", "c1", KindChat, nil)
	require.NoError(t, err)

	s, ok := h.registry.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, "c1", s.ClientID)
	assert.Equal(t, "a1", s.AdvisorID)
}

func TestAcceptSessionNotifiesCounterpart(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))

	sessionID, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.NoError(t, err)

	other, err := h.manager.AcceptSession(context.Background(), sessionID, "a1", "", true)
	require.NoError(t, err)
	assert.Equal(t, "c1", other)

	answered := h.notifier.byEvent(models.EventSessionAnswered)
	require.Len(t, answered, 1)
	assert.Equal(t, "c1", answered[0].UserID)
	ev := answered[0].Payload.(*models.SessionAnsweredEvent)
	assert.True(t, ev.Accept)
	assert.Equal(t, KindChat, ev.Kind)
}

func TestAcceptSessionFallsBackToDurableRecord(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))

	sessionID, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindAudio, nil)
	require.NoError(t, err)

	// Simulate a restart: the live entry is gone, only the record remains.
	_, ok := h.registry.Remove(sessionID)
	require.True(t, ok)

	other, err := h.manager.AcceptSession(context.Background(), sessionID, "a1", "", true)
	require.NoError(t, err)
	assert.Equal(t, "c1", other)

	answered := h.notifier.byEvent(models.EventSessionAnswered)
	require.Len(t, answered, 1)
	assert.Equal(t, KindAudio, answered[0].Payload.(*models.SessionAnsweredEvent).Kind)
}

func TestAcceptSessionRejectsOutsiderOnDurableFallback(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))

	sessionID, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.NoError(t, err)

	_, ok := h.registry.Remove(sessionID)
	require.True(t, ok)

	_, err = h.manager.AcceptSession(context.Background(), sessionID, "x1", "", true)
	assert.ErrorIs(t, err, models.ErrNotParticipant)
	assert.Empty(t, h.notifier.byEvent(models.EventSessionAnswered))
}

func TestRejectEndsSessionWithNoCharges(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))

	sessionID, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.NoError(t, err)

	_, err = h.manager.AcceptSession(context.Background(), sessionID, "a1", "", false)
	require.NoError(t, err)

	_, ok := h.registry.Get(sessionID)
	assert.False(t, ok)
	assert.Equal(t, 0, h.ledger.count())
	assert.Equal(t, 100.0, h.userRepo.balance("c1"))

	ended := h.notifier.byEvent(models.EventSessionEnded)
	require.Len(t, ended, 2)
	ev := ended[0].Payload.(*models.SessionEndedEvent)
	assert.Equal(t, ReasonRejected, ev.Reason)
	assert.Equal(t, int64(0), ev.Summary.Duration)

	rec, err := h.repo.GetByID(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, rec.Status)
}

func TestMarkConnectedAnchorsBillingOnce(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))
	s := h.startBilledSession(t, "c1", "a1", KindChat)

	latest := s.ClientConnectedAt
	if s.AdvisorConnectedAt.After(latest) {
		latest = s.AdvisorConnectedAt
	}
	assert.Equal(t, latest.Add(2*time.Second), s.BillingAnchor)

	// Pair state was loaded: brand-new pair starts at the policy slab.
	assert.Equal(t, 3, s.CurrentSlab)
	assert.False(t, s.PairMonthID.IsZero())

	started := h.notifier.byEvent(models.EventBillingStarted)
	assert.Len(t, started, 2)

	// A duplicate connect confirmation changes nothing.
	anchor := s.BillingAnchor
	require.NoError(t, h.manager.MarkConnected(context.Background(), s.SessionID, "c1"))
	assert.Equal(t, anchor, s.BillingAnchor)
	assert.Len(t, h.notifier.byEvent(models.EventBillingStarted), 2)
}

func TestMarkConnectedRejectsOutsider(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10), testClient("x1", 0))

	sessionID, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.NoError(t, err)

	err = h.manager.MarkConnected(context.Background(), sessionID, "x1")
	assert.ErrorIs(t, err, models.ErrNotParticipant)
}

func TestEndSessionEarlyExitChargesProRata(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))
	s := h.startBilledSession(t, "c1", "a1", KindChat)

	h.tickSeconds(s, 30)
	require.NoError(t, h.manager.EndSession(context.Background(), s.SessionID, ReasonManual))

	// 30s at 10/min, all platform.
	assert.InDelta(t, 95.0, h.userRepo.balance("c1"), 1e-9)
	require.Equal(t, 1, h.ledger.count())
	assert.Equal(t, billing.ReasonEarlyExit, h.ledger.entries[0].Reason)
	assert.Equal(t, 0.0, h.ledger.entries[0].CreditedToAdvisor)

	ended := h.notifier.byEvent(models.EventSessionEnded)
	require.Len(t, ended, 2)
	ev := ended[0].Payload.(*models.SessionEndedEvent)
	assert.Equal(t, ReasonManual, ev.Reason)
	assert.Equal(t, int64(30), ev.Summary.Duration)
	assert.InDelta(t, 5.0, ev.Summary.Deducted, 1e-9)

	// The pair folds in the billed seconds.
	pair := h.pairs.byID(s.PairMonthID)
	require.NotNil(t, pair)
	assert.Equal(t, int64(30), pair.SecondsUsed)
}

func TestEndSessionRoundsUpStartedMinute(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))
	s := h.startBilledSession(t, "c1", "a1", KindChat)

	// 90 seconds: ticker billed minute 1; hangup owes the started minute 2.
	h.tickSeconds(s, 90)
	require.NoError(t, h.manager.EndSession(context.Background(), s.SessionID, ReasonManual))

	require.Equal(t, 2, h.ledger.count())
	assert.Equal(t, billing.ReasonFirstMinute, h.ledger.entries[0].Reason)
	assert.Equal(t, "slab_3", h.ledger.entries[1].Reason)
	assert.Equal(t, 2, h.ledger.entries[1].MinuteIndex)

	// 10 + 10 deducted, advisor earned 40% of minute 2.
	assert.InDelta(t, 80.0, h.userRepo.balance("c1"), 1e-9)
	assert.InDelta(t, 4.0, h.userRepo.balance("a1"), 1e-9)

	ev := h.notifier.byEvent(models.EventSessionEnded)[0].Payload.(*models.SessionEndedEvent)
	assert.InDelta(t, 20.0, ev.Summary.Deducted, 1e-9)
	assert.InDelta(t, 4.0, ev.Summary.Earned, 1e-9)
}

func TestEndSessionFirstMinuteStaysPlatformAfterTickerOutage(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))
	s := h.startBilledSession(t, "c1", "a1", KindChat)

	// Wallet store down for the whole run; the ticker never lands minute 1.
	h.userRepo.debitFailures = 1000
	h.userRepo.debitErr = models.ErrDatabaseUpdate
	h.tickSeconds(s, 90)
	require.Equal(t, 0, h.ledger.count())
	require.Equal(t, 0, s.LastBilledMinute)

	// Store recovers just before the hangup settles the owed minutes.
	h.userRepo.debitFailures = 0
	require.NoError(t, h.manager.EndSession(context.Background(), s.SessionID, ReasonManual))

	require.Equal(t, 2, h.ledger.count())

	first := h.ledger.entries[0]
	assert.Equal(t, billing.ReasonFirstMinute, first.Reason)
	assert.Equal(t, 1, first.MinuteIndex)
	assert.Equal(t, 0.0, first.CreditedToAdvisor)

	second := h.ledger.entries[1]
	assert.Equal(t, "slab_3", second.Reason)
	assert.Equal(t, 2, second.MinuteIndex)
	assert.InDelta(t, 4.0, second.CreditedToAdvisor, 1e-9)

	assert.InDelta(t, 80.0, h.userRepo.balance("c1"), 1e-9)
	assert.InDelta(t, 4.0, h.userRepo.balance("a1"), 1e-9)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))
	s := h.startBilledSession(t, "c1", "a1", KindChat)

	h.tickSeconds(s, 30)

	// Both sides hang up at once; only one finalization runs.
	require.NoError(t, h.manager.EndSession(context.Background(), s.SessionID, ReasonManual))
	require.NoError(t, h.manager.EndSession(context.Background(), s.SessionID, ReasonManual))

	assert.Equal(t, 1, h.ledger.count())
	assert.Len(t, h.notifier.byEvent(models.EventSessionEnded), 2)
	assert.InDelta(t, 95.0, h.userRepo.balance("c1"), 1e-9)
}

func TestEndSessionForRejectsNonParticipant(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))
	s := h.startBilledSession(t, "c1", "a1", KindChat)

	err := h.manager.EndSessionFor(context.Background(), s.SessionID, "x1", ReasonManual)
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	_, ok := h.registry.Get(s.SessionID)
	assert.True(t, ok)
	assert.Empty(t, h.notifier.byEvent(models.EventSessionEnded))

	// A participant's hangup goes through.
	require.NoError(t, h.manager.EndSessionFor(context.Background(), s.SessionID, "c1", ReasonManual))
	assert.Len(t, h.notifier.byEvent(models.EventSessionEnded), 2)
}

func TestEndSessionForChecksDurableRecordWhenNotLive(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))

	sessionID, err := h.manager.CreateSession(context.Background(), "c1", "a1", KindChat, nil)
	require.NoError(t, err)
	_, ok := h.registry.Remove(sessionID)
	require.True(t, ok)

	err = h.manager.EndSessionFor(context.Background(), sessionID, "x1", ReasonManual)
	assert.ErrorIs(t, err, models.ErrNotParticipant)

	require.NoError(t, h.manager.EndSessionFor(context.Background(), sessionID, "a1", ReasonManual))
}

func TestEndUserSessionResolvesByParticipant(t *testing.T) {
	h := newHarness(testClient("c1", 100), testAdvisor("a1", 10))
	s := h.startBilledSession(t, "c1", "a1", KindChat)

	h.manager.EndUserSession(context.Background(), "a1", ReasonDisconnect)

	_, ok := h.registry.Get(s.SessionID)
	assert.False(t, ok)
	ev := h.notifier.byEvent(models.EventSessionEnded)[0].Payload.(*models.SessionEndedEvent)
	assert.Equal(t, ReasonDisconnect, ev.Reason)

	// Unknown user is a no-op.
	h.manager.EndUserSession(context.Background(), "nobody", ReasonDisconnect)
}
