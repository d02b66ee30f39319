package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wa-autoreply/internal/nlu"
	"wa-autoreply/internal/policy"
	"wa-autoreply/internal/quota"
	"wa-autoreply/internal/repo"
	"wa-autoreply/internal/tenant"
	"wa-autoreply/internal/wa"
	"wa-autoreply/migrations"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDay = "2026-03-01"

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type countingGenerator struct {
	calls atomic.Int32
}

func (g *countingGenerator) GenerateReply(_ context.Context, profile nlu.BusinessProfile, customerText string) string {
	g.calls.Add(1)
	return fmt.Sprintf("%s says hi to: %s", profile.Name, customerText)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []wa.SendTextRequest
	err      error
	panicOn  string
	seq      atomic.Int32
}

func (d *fakeDispatcher) SendText(_ context.Context, req wa.SendTextRequest) (string, error) {
	if d.panicOn != "" && req.To == d.panicOn {
		panic("dispatcher exploded")
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	return fmt.Sprintf("wamid.out.%d", d.seq.Add(1)), nil
}

func (d *fakeDispatcher) sent() []wa.SendTextRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]wa.SendTextRequest(nil), d.requests...)
}

// outboundFailingStore rejects outbound inserts.
type outboundFailingStore struct {
	MessageStore
}

func (s outboundFailingStore) InsertMessage(ctx context.Context, msg repo.Message) (*repo.Message, error) {
	if msg.Direction == repo.DirectionOutbound {
		return nil, errors.New("disk full")
	}
	return s.MessageStore.InsertMessage(ctx, msg)
}

// failingQuotaReads wraps a tracker whose reads always fail.
type failingQuotaReads struct {
	*quota.Tracker
	increments atomic.Int32
}

func (q *failingQuotaReads) Get(context.Context, int64, string) (int, error) {
	return 0, errors.New("quota store unavailable")
}

func (q *failingQuotaReads) Increment(ctx context.Context, businessID int64, day string) error {
	q.increments.Add(1)
	return q.Tracker.Increment(ctx, businessID, day)
}

type testEnv struct {
	store      *repo.SQLiteRepository
	generator  *countingGenerator
	dispatcher *fakeDispatcher
	tracker    *quota.Tracker
	processor  *InboundProcessor
	logger     *slog.Logger
	business   *repo.Business
}

func newTestEnv(t *testing.T, plan repo.Plan) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "autoreply.db"), logger)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.RunMigrations(ctx, migrations.Files))

	phoneNumberID := "PN1"
	business, err := store.CreateBusiness(ctx, repo.Business{
		UserID:                1,
		Name:                  "Acme Salon",
		Services:              "Haircut 10 USD",
		WhatsAppPhoneNumberID: &phoneNumberID,
		WhatsAppAccessToken:   "tok-acme",
		Plan:                  plan,
	})
	require.NoError(t, err)

	env := &testEnv{
		store:      store,
		generator:  &countingGenerator{},
		dispatcher: &fakeDispatcher{},
		tracker:    quota.New(store).WithClock(func() time.Time { return testNow }),
		logger:     logger,
		business:   business,
	}
	env.processor = env.newProcessor(store)
	return env
}

func (e *testEnv) newProcessor(store MessageStore) *InboundProcessor {
	return NewInboundProcessor(
		tenant.NewResolver(e.store, e.logger),
		store,
		e.tracker,
		policy.New(e.generator, policy.Config{}),
		e.dispatcher,
		nil,
		e.logger,
	)
}

func (e *testEnv) setUsage(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.store.IncrementDailyReplies(context.Background(), e.business.ID, testDay))
	}
}

func (e *testEnv) usage(t *testing.T) int {
	t.Helper()
	count, err := e.store.GetDailyReplies(context.Background(), e.business.ID, testDay)
	require.NoError(t, err)
	return count
}

// messages returns the conversation log oldest first.
func (e *testEnv) messages(t *testing.T) []repo.Message {
	t.Helper()
	recent, err := e.store.ListRecentMessages(context.Background(), e.business.ID, 500)
	require.NoError(t, err)
	out := make([]repo.Message, len(recent))
	for i, msg := range recent {
		out[len(recent)-1-i] = msg
	}
	return out
}

func textEvent(from, text, id string) wa.InboundEvent {
	return wa.InboundEvent{PhoneNumberID: "PN1", From: from, Text: text, WAMessageID: id, Kind: wa.KindText}
}

func delivery(events ...wa.InboundEvent) wa.Delivery {
	return wa.Delivery{ID: "delivery-test", ReceivedAt: testNow, Events: events}
}

func TestFreeBusinessBelowLimitGetsGeneratedReply(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	env.setUsage(t, 29)

	env.processor.ProcessDelivery(context.Background(), delivery(textEvent("628111", "price?", "wamid.in.1")))

	msgs := env.messages(t)
	require.Len(t, msgs, 2)

	in, out := msgs[0], msgs[1]
	assert.Equal(t, repo.DirectionInbound, in.Direction)
	assert.Equal(t, repo.SourceCustomer, in.Source)
	assert.Equal(t, "price?", in.Text)
	require.NotNil(t, in.WAMessageID)
	assert.Equal(t, "wamid.in.1", *in.WAMessageID)

	assert.Equal(t, repo.DirectionOutbound, out.Direction)
	assert.Equal(t, repo.SourceAI, out.Source)
	assert.Equal(t, "Acme Salon says hi to: price?", out.Text)
	require.NotNil(t, out.WAMessageID)
	assert.Equal(t, "wamid.out.1", *out.WAMessageID)

	assert.Equal(t, 30, env.usage(t))
	assert.EqualValues(t, 1, env.generator.calls.Load())

	sent := env.dispatcher.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, wa.SendTextRequest{AccessToken: "tok-acme", PhoneNumberID: "PN1", To: "628111", Text: out.Text}, sent[0])
}

func TestFreeBusinessAtLimitGetsFixedReply(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	env.setUsage(t, 30)

	env.processor.ProcessDelivery(context.Background(), delivery(textEvent("628111", "hello", "wamid.in.1")))

	msgs := env.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, repo.SourceSystemLimit, msgs[1].Source)
	assert.Equal(t, policy.DefaultLimitMessage, msgs[1].Text)
	require.NotNil(t, msgs[1].WAMessageID)

	assert.Equal(t, 30, env.usage(t))
	assert.Zero(t, env.generator.calls.Load())
	require.Len(t, env.dispatcher.sent(), 1)
	assert.Equal(t, policy.DefaultLimitMessage, env.dispatcher.sent()[0].Text)
}

func TestPaidBusinessIsNeverLimited(t *testing.T) {
	env := newTestEnv(t, repo.PlanPaid)
	env.setUsage(t, 45)

	env.processor.ProcessDelivery(context.Background(), delivery(textEvent("628111", "hello", "")))

	msgs := env.messages(t)
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[0].WAMessageID)
	assert.Equal(t, repo.SourceAI, msgs[1].Source)
	assert.Equal(t, 46, env.usage(t))
}

func TestUnknownChannelWritesNothing(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)

	event := textEvent("628111", "hello", "wamid.in.1")
	event.PhoneNumberID = "PN-unknown"
	outcome, err := env.processor.HandleEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownTenant, outcome)

	assert.Empty(t, env.messages(t))
	assert.Zero(t, env.usage(t))
	assert.Empty(t, env.dispatcher.sent())
}

func TestDispatchFailureIsRecordedAsSystem(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	env.setUsage(t, 3)
	env.dispatcher.err = &wa.APIError{StatusCode: http.StatusBadRequest, Body: `{"error":"bad"}`}

	outcome, err := env.processor.HandleEvent(context.Background(), textEvent("628111", "hello", "wamid.in.1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatchFailed, outcome)

	msgs := env.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, repo.SourceSystem, msgs[1].Source)
	assert.Nil(t, msgs[1].WAMessageID)
	assert.Equal(t, "Acme Salon says hi to: hello", msgs[1].Text)
	assert.Equal(t, 3, env.usage(t))
}

func TestDispatchFailureOfLimitReplyIsRecordedAsSystem(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	env.setUsage(t, 30)
	env.dispatcher.err = wa.ErrMissingAccessToken

	env.processor.ProcessDelivery(context.Background(), delivery(textEvent("628111", "hello", "")))

	msgs := env.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, repo.SourceSystem, msgs[1].Source)
	assert.Equal(t, policy.DefaultLimitMessage, msgs[1].Text)
	assert.Equal(t, 30, env.usage(t))
}

func TestConcurrentSuccessesIncrementWithoutLoss(t *testing.T) {
	env := newTestEnv(t, repo.PlanPaid)
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env.processor.ProcessDelivery(context.Background(), delivery(textEvent(fmt.Sprintf("62811%02d", i), "hi", "")))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, env.usage(t))
	assert.Len(t, env.messages(t), 2*n)
}

func TestRedeliveredPayloadDuplicatesRows(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	d := delivery(textEvent("628111", "hello", "wamid.in.dup"))

	env.processor.ProcessDelivery(context.Background(), d)
	env.processor.ProcessDelivery(context.Background(), d)

	msgs := env.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, *msgs[0].WAMessageID, *msgs[2].WAMessageID)
	assert.Equal(t, 2, env.usage(t))
}

func TestFailingEventDoesNotStopSiblings(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	env.dispatcher.panicOn = "628bad"

	env.processor.ProcessDelivery(context.Background(), delivery(
		textEvent("628bad", "first", ""),
		textEvent("628111", "second", ""),
	))

	msgs := env.messages(t)
	// The panicking event keeps its inbound row only.
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
	assert.Equal(t, repo.SourceAI, msgs[2].Source)
	assert.Equal(t, 1, env.usage(t))
}

func TestOutboundPersistFailureStillCountsDeliveredReply(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	processor := env.newProcessor(outboundFailingStore{MessageStore: env.store})

	outcome, err := processor.HandleEvent(context.Background(), textEvent("628111", "hello", ""))
	require.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)
	assert.Contains(t, err.Error(), "disk full")

	assert.Len(t, env.messages(t), 1)
	assert.Equal(t, 1, env.usage(t))
}

func TestQuotaReadFailureStopsAfterInboundRow(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	tracker := &failingQuotaReads{Tracker: env.tracker}
	processor := NewInboundProcessor(
		tenant.NewResolver(env.store, env.logger),
		env.store,
		tracker,
		policy.New(env.generator, policy.Config{}),
		env.dispatcher,
		nil,
		env.logger,
	)

	outcome, err := processor.HandleEvent(context.Background(), textEvent("628111", "hello", "wamid.in.1"))
	require.ErrorContains(t, err, "quota store unavailable")
	assert.Equal(t, OutcomeError, outcome)

	msgs := env.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, repo.DirectionInbound, msgs[0].Direction)
	assert.Empty(t, env.dispatcher.sent())
	assert.Zero(t, env.generator.calls.Load())
	assert.Zero(t, tracker.increments.Load())
	assert.Zero(t, env.usage(t))
}

func TestCanceledRequestContextStillCompletes(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env.processor.ProcessDelivery(ctx, delivery(textEvent("628111", "hello", "")))

	assert.Len(t, env.messages(t), 2)
	assert.Equal(t, 1, env.usage(t))
}

func TestWebhookRejectsBadSignatureWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t, repo.PlanFree)
	gin.SetMode(gin.TestMode)
	router := gin.New()
	wa.NewWebhookHandler(env.logger, nil, "app-secret", "verify", env.processor).Register(router)

	body := `{"object":"whatsapp_business_account","entry":[{"id":"1","changes":[{"field":"messages","value":{` +
		`"metadata":{"phone_number_id":"PN1"},"messages":[{"from":"628111","id":"wamid.in.1","type":"text","text":{"body":"hello"}}]}}]}]}`

	post := func(signature string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(body))
		req.Header.Set(wa.SignatureHeader, signature)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusForbidden, post(wa.Sign("not-the-secret", []byte(body))))
	assert.Empty(t, env.messages(t))
	assert.Zero(t, env.usage(t))

	assert.Equal(t, http.StatusOK, post(wa.Sign("app-secret", []byte(body))))
	assert.Len(t, env.messages(t), 2)
	assert.Equal(t, 1, env.usage(t))
}
