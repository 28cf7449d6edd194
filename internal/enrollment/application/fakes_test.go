package application

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coursehive/enrollment-service/internal/clock"
	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	"github.com/coursehive/enrollment-service/pkg/logging"
	"github.com/coursehive/enrollment-service/pkg/outbox"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)

// fakeDB holds enrollments, coupons and outbox rows. fakeTx snapshots it
// around a unit of work so a failed transaction leaves no trace.
type fakeDB struct {
	mu          sync.Mutex
	enrollments map[string]domain.Enrollment
	coupons     map[string]domain.Coupon
	outbox      []outbox.Event

	createErr  error
	enqueueErr error
	listCalls  int
}

type fakeState struct {
	enrollments map[string]domain.Enrollment
	coupons     map[string]domain.Coupon
	outbox      []outbox.Event
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		enrollments: map[string]domain.Enrollment{},
		coupons:     map[string]domain.Coupon{},
	}
}

func pairKey(studentID, courseID string) string { return studentID + "|" + courseID }

func (db *fakeDB) snapshot() fakeState {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := fakeState{
		enrollments: make(map[string]domain.Enrollment, len(db.enrollments)),
		coupons:     make(map[string]domain.Coupon, len(db.coupons)),
		outbox:      append([]outbox.Event(nil), db.outbox...),
	}
	for k, v := range db.enrollments {
		s.enrollments[k] = v
	}
	for k, v := range db.coupons {
		s.coupons[k] = v
	}
	return s
}

func (db *fakeDB) restore(s fakeState) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.enrollments = s.enrollments
	db.coupons = s.coupons
	db.outbox = s.outbox
}

func (db *fakeDB) Exists(_ context.Context, studentID, courseID string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.enrollments[pairKey(studentID, courseID)]
	return ok, nil
}

func (db *fakeDB) Create(_ context.Context, e domain.Enrollment) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.createErr != nil {
		return db.createErr
	}
	k := pairKey(e.StudentID, e.CourseID)
	if _, ok := db.enrollments[k]; ok {
		return domain.ErrAlreadyEnrolled
	}
	db.enrollments[k] = e
	return nil
}

func (db *fakeDB) ListByStudent(_ context.Context, studentID string) ([]domain.Enrollment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.listCalls++
	var out []domain.Enrollment
	for _, e := range db.enrollments {
		if e.StudentID == studentID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out, nil
}

func (db *fakeDB) ListByStatus(_ context.Context, status domain.PaymentStatus, limit int64) ([]domain.Enrollment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []domain.Enrollment
	for _, e := range db.enrollments {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *fakeDB) SetStatus(_ context.Context, id string, from, to domain.PaymentStatus) (domain.Enrollment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for k, e := range db.enrollments {
		if e.ID == id && e.Status == from {
			e.Status = to
			db.enrollments[k] = e
			return e, nil
		}
	}
	return domain.Enrollment{}, domain.ErrEnrollmentNotFound
}

func (db *fakeDB) CountByCourse(_ context.Context, courseID string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var n int64
	for _, e := range db.enrollments {
		if e.CourseID == courseID {
			n++
		}
	}
	return n, nil
}

func (db *fakeDB) GetBySession(_ context.Context, sessionID string) (domain.Enrollment, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, e := range db.enrollments {
		if e.PaymentSessionID == sessionID {
			return e, nil
		}
	}
	return domain.Enrollment{}, domain.ErrEnrollmentNotFound
}

func (db *fakeDB) Enqueue(_ context.Context, e outbox.Event) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.enqueueErr != nil {
		return db.enqueueErr
	}
	db.outbox = append(db.outbox, e)
	return nil
}

func (db *fakeDB) enrollment(studentID, courseID string) (domain.Enrollment, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.enrollments[pairKey(studentID, courseID)]
	return e, ok
}

func (db *fakeDB) enrollmentCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.enrollments)
}

func (db *fakeDB) outboxLen() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.outbox)
}

func (db *fakeDB) coupon(id string) domain.Coupon {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.coupons[id]
}

func (db *fakeDB) putCoupon(c domain.Coupon) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.coupons[c.ID] = c
}

// fakeCouponRepo shares fakeDB so redemptions roll back with the rest.
type fakeCouponRepo struct {
	db         *fakeDB
	mu         sync.Mutex
	findCalls  int
	incrFailed error
}

func (r *fakeCouponRepo) FindActiveByCode(_ context.Context, code string) (domain.Coupon, error) {
	r.mu.Lock()
	r.findCalls++
	r.mu.Unlock()

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, c := range r.db.coupons {
		if c.Code == code && c.Active {
			return c, nil
		}
	}
	return domain.Coupon{}, domain.ErrCouponNotFound
}

func (r *fakeCouponRepo) Get(_ context.Context, id string) (domain.Coupon, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.coupons[id]
	if !ok {
		return domain.Coupon{}, domain.ErrCouponNotFound
	}
	return c, nil
}

func (r *fakeCouponRepo) IncrementUsage(_ context.Context, id string) error {
	if r.incrFailed != nil {
		return r.incrFailed
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.coupons[id]
	if !ok {
		return domain.ErrCouponNotFound
	}
	if c.Exhausted() {
		return domain.ErrCouponExhausted
	}
	c.UsageCount++
	r.db.coupons[id] = c
	return nil
}

func (r *fakeCouponRepo) DeactivateStale(_ context.Context, now time.Time) ([]domain.Coupon, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []domain.Coupon
	for id, c := range r.db.coupons {
		if c.Active && (c.Expired(now) || c.Exhausted()) {
			c.Active = false
			c.UpdatedAt = now
			r.db.coupons[id] = c
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type fakeCourses struct {
	mu      sync.Mutex
	courses map[string]domain.Course
	calls   int
}

func (f *fakeCourses) Get(_ context.Context, id string) (domain.Course, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	c, ok := f.courses[id]
	if !ok {
		return domain.Course{}, domain.ErrCourseNotFound
	}
	return c, nil
}

type fakeTx struct {
	db    *fakeDB
	mu    sync.Mutex
	calls int
}

func (t *fakeTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	snap := t.db.snapshot()
	if err := fn(ctx); err != nil {
		t.db.restore(snap)
		return err
	}
	return nil
}

type cacheEntry struct {
	raw []byte
	ttl time.Duration
}

// fakeCache is an in-memory Cache. Patterns match the same way the redis
// sweep does: pattern followed by "*".
type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]cacheEntry
	invalidated []string
	later       []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]cacheEntry{}}
}

func (c *fakeCache) Get(_ context.Context, key string, dest any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return json.Unmarshal(e.raw, dest) == nil
}

func (c *fakeCache) GetWithTTL(ctx context.Context, key string, dest any) (time.Duration, bool) {
	if !c.Get(ctx, key, dest) {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key].ttl, true
}

func (c *fakeCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{raw: raw, ttl: ttl}
	return nil
}

func (c *fakeCache) setTTL(key string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	e.ttl = ttl
	c.entries[key] = e
}

func (c *fakeCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *fakeCache) Delete(_ context.Context, keys ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, k := range keys {
		if _, ok := c.entries[k]; ok {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *fakeCache) invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, pattern)
	n := 0
	for k := range c.entries {
		if ok, _ := path.Match(pattern+"*", k); ok {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *fakeCache) InvalidateMany(_ context.Context, patterns ...string) int {
	n := 0
	for _, p := range patterns {
		n += c.invalidate(p)
	}
	return n
}

func (c *fakeCache) InvalidateAsync(ctx context.Context, patterns ...string) {
	c.InvalidateMany(ctx, patterns...)
}

// InvalidateLater is held until runLater so tests control the ordering.
func (c *fakeCache) InvalidateLater(_ context.Context, _ time.Duration, patterns ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.later = append(c.later, patterns...)
}

func (c *fakeCache) runLater() {
	c.mu.Lock()
	later := c.later
	c.later = nil
	c.mu.Unlock()
	c.InvalidateMany(context.Background(), later...)
}

func (c *fakeCache) LongTTL() time.Duration { return 24 * time.Hour }

func (c *fakeCache) wasInvalidated(pattern string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.invalidated {
		if p == pattern {
			return true
		}
	}
	return false
}

const goodSignature = "t=1,v1=good"

type fakeGateway struct {
	mu       sync.Mutex
	inputs   []CheckoutSessionInput
	err      error
	events   map[string]PaymentEvent
	clock    clock.Clock
	lifetime time.Duration
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, in CheckoutSessionInput) (PaymentSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return PaymentSession{}, g.err
	}
	g.inputs = append(g.inputs, in)
	id := "cs_test_" + string(rune('a'+len(g.inputs)-1))
	return PaymentSession{
		ID:        id,
		URL:       "https://checkout.example/" + id,
		ExpiresAt: g.clock.Now().Add(g.lifetime),
	}, nil
}

func (g *fakeGateway) ParseEvent(payload []byte, signature string) (PaymentEvent, error) {
	if signature != goodSignature {
		return PaymentEvent{}, errors.New("signature mismatch")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ev, ok := g.events[string(payload)]
	if !ok {
		return PaymentEvent{}, errors.New("unknown payload")
	}
	return ev, nil
}

func (g *fakeGateway) sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

// register makes payload decode to ev and returns the payload.
func (g *fakeGateway) register(ev PaymentEvent) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	payload := `{"id":"` + ev.ID + `"}`
	g.events[payload] = ev
	return []byte(payload)
}

type fakeEventLog struct {
	mu   sync.Mutex
	done map[string]bool
	err  error
}

func (l *fakeEventLog) Key(parts ...string) string { return "idem:" + strings.Join(parts, ":") }

func (l *fakeEventLog) Done(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	return l.done[key], nil
}

func (l *fakeEventLog) Mark(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[key] = true
	return nil
}

type harness struct {
	db       *fakeDB
	coupons  *fakeCouponRepo
	courses  *fakeCourses
	cache    *fakeCache
	gateway  *fakeGateway
	tx       *fakeTx
	events   *fakeEventLog
	clock    *clock.Manual
	svc      *Coupons
	checkout *Checkout
	webhooks *Webhooks
}

func intPtr(n int) *int { return &n }

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logging.Discard()
	clk := clock.NewManual(testNow)
	db := newFakeDB()
	expired := testNow.Add(-time.Hour)

	for _, c := range []domain.Coupon{
		{ID: "cp-20", Code: "SAVE20", DiscountValue: 20, Scope: domain.ScopeAll, Active: true},
		{ID: "cp-100", Code: "FREE100", DiscountValue: 100, Scope: domain.ScopeAll, Active: true},
		{ID: "cp-limit", Code: "LASTONE", DiscountValue: 100, Scope: domain.ScopeAll, Active: true, UsageLimit: intPtr(5), UsageCount: 4},
		{ID: "cp-full", Code: "FULL", DiscountValue: 100, Scope: domain.ScopeAll, Active: true, UsageLimit: intPtr(5), UsageCount: 5},
		{ID: "cp-old", Code: "OLD", DiscountValue: 50, Scope: domain.ScopeAll, Active: true, ExpiresAt: &expired},
		{ID: "cp-c2", Code: "ONLYC2", DiscountValue: 15, Scope: "c2", Active: true},
	} {
		db.coupons[c.ID] = c
	}

	h := &harness{
		db:      db,
		coupons: &fakeCouponRepo{db: db},
		courses: &fakeCourses{courses: map[string]domain.Course{
			"c1": {ID: "c1", Title: "Distributed Systems", Price: decimal.NewFromInt(1000), Currency: "usd", Published: true},
			"c2": {ID: "c2", Title: "Intro to Go", Price: decimal.RequireFromString("19.99"), Currency: "usd", Published: true},
		}},
		cache:  newFakeCache(),
		tx:     &fakeTx{db: db},
		events: &fakeEventLog{done: map[string]bool{}},
		clock:  clk,
	}
	h.gateway = &fakeGateway{events: map[string]PaymentEvent{}, clock: clk, lifetime: 30 * time.Minute}
	h.svc = NewCoupons(log, h.coupons, h.cache, clk)
	h.checkout = NewCheckout(CheckoutDeps{
		Log:         log,
		Enrollments: db,
		Courses:     h.courses,
		Coupons:     h.svc,
		Gateway:     h.gateway,
		Tx:          h.tx,
		Outbox:      db,
		Cache:       h.cache,
		Clock:       clk,
	})
	h.webhooks = NewWebhooks(WebhookDeps{
		Log:         log,
		Gateway:     h.gateway,
		Enrollments: db,
		Courses:     h.courses,
		Coupons:     h.svc,
		Tx:          h.tx,
		Outbox:      db,
		Cache:       h.cache,
		Events:      h.events,
		Clock:       clk,
	})
	return h
}

// paidEvent builds a completed, paid checkout event for the given
// metadata and charged amount.
func paidEvent(eventID, sessionID, studentID, courseID, couponID string, amount int64) PaymentEvent {
	md := map[string]string{
		MetaStudentID:   studentID,
		MetaCourseID:    courseID,
		MetaAmountMinor: decimal.NewFromInt(amount).String(),
	}
	if couponID != "" {
		md[MetaCouponID] = couponID
	}
	return PaymentEvent{
		ID:   eventID,
		Type: EventCheckoutCompleted,
		Session: &CompletedSession{
			ID:            sessionID,
			PaymentStatus: "paid",
			AmountTotal:   amount,
			Currency:      "usd",
			Metadata:      md,
		},
	}
}
