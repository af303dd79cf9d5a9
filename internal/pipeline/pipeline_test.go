package pipeline_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/argos/internal/audit"
	"github.com/dvloznov/argos/internal/domain"
	"github.com/dvloznov/argos/internal/events"
	"github.com/dvloznov/argos/internal/extractor"
	"github.com/dvloznov/argos/internal/mailbox"
	"github.com/dvloznov/argos/internal/pipeline"
	"github.com/dvloznov/argos/internal/store/inmemory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockGateway is a mock implementation of mailbox.Gateway. Its sessions
// delegate to the func fields.
type MockGateway struct {
	OpenFunc                  func(ctx context.Context, ownerID uuid.UUID) error
	ListCandidateMessagesFunc func(ctx context.Context, ownerID uuid.UUID, since string) (*domain.Listing, error)
	FetchFullMessageFunc      func(ctx context.Context, ownerID uuid.UUID, ref domain.MessageRef) (*domain.RawMessage, error)

	mu        sync.Mutex
	opens     int
	listCalls []string
}

func (m *MockGateway) Open(ctx context.Context, ownerID uuid.UUID) (mailbox.Session, error) {
	m.mu.Lock()
	m.opens++
	m.mu.Unlock()
	if m.OpenFunc != nil {
		if err := m.OpenFunc(ctx, ownerID); err != nil {
			return nil, err
		}
	}
	return &mockSession{gw: m, ownerID: ownerID}, nil
}

func (m *MockGateway) Watch(ctx context.Context, ownerID uuid.UUID) (*mailbox.WatchResult, error) {
	return nil, errors.New("not implemented")
}

type mockSession struct {
	gw      *MockGateway
	ownerID uuid.UUID
}

func (s *mockSession) ListCandidateMessages(ctx context.Context, since string) (*domain.Listing, error) {
	s.gw.mu.Lock()
	s.gw.listCalls = append(s.gw.listCalls, since)
	s.gw.mu.Unlock()
	return s.gw.ListCandidateMessagesFunc(ctx, s.ownerID, since)
}

func (s *mockSession) FetchFullMessage(ctx context.Context, ref domain.MessageRef) (*domain.RawMessage, error) {
	return s.gw.FetchFullMessageFunc(ctx, s.ownerID, ref)
}

// MockGenerator answers based on the snippet line of the prompt.
type MockGenerator struct {
	mu    sync.Mutex
	calls int
}

const (
	swiggyJSON = `{"merchant":"Swiggy","amount":450,"currency":"INR","date":"2026-03-01T10:00:00Z","category":"Food","isTransaction":true}`
	uberJSON   = "```json\n" + `{"merchant":"Uber","amount":"320.50","category":"Travel","isTransaction":true}` + "\n```"
	promoJSON  = `{"merchant":"Store","amount":0,"isTransaction":false}`
)

func (m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	snippet := snippetOf(prompt)
	switch {
	case strings.Contains(snippet, "Swiggy"):
		return swiggyJSON, nil
	case strings.Contains(snippet, "Uber"):
		return uberJSON, nil
	case strings.Contains(snippet, "garbled"):
		return "Sorry, I can't help with that.", nil
	default:
		return promoJSON, nil
	}
}

func snippetOf(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "Snippet: ") {
			return line
		}
	}
	return ""
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.TransactionIngested
	err    error
}

func (p *recordingPublisher) PublishTransactionIngested(_ context.Context, ev *events.TransactionIngested) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type recordingAudit struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (a *recordingAudit) Record(_ context.Context, rec *audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

// mailboxFixture is an in-memory mailbox: an ordered message list plus the
// history id after each message.
type mailboxFixture struct {
	mu       sync.Mutex
	messages []*domain.RawMessage
	missing  map[string]bool
	failing  map[string]error
}

func (f *mailboxFixture) add(id, snippet string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, &domain.RawMessage{
		ID:         id,
		Subject:    "Alert",
		Snippet:    snippet,
		ReceivedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		HistoryID:  historyFor(len(f.messages) + 1),
	})
}

func historyFor(n int) string {
	return strconv.Itoa(100 + n)
}

func (f *mailboxFixture) gateway() *MockGateway {
	return &MockGateway{
		ListCandidateMessagesFunc: func(ctx context.Context, ownerID uuid.UUID, since string) (*domain.Listing, error) {
			f.mu.Lock()
			defer f.mu.Unlock()

			listing := &domain.Listing{Watermark: "100", Bootstrap: since == ""}
			for _, m := range f.messages {
				if since == "" || domain.CompareWatermarks(m.HistoryID, since) > 0 {
					listing.Refs = append(listing.Refs, domain.MessageRef{ID: m.ID})
				}
				listing.Watermark = domain.LaterWatermark(listing.Watermark, m.HistoryID)
			}
			return listing, nil
		},
		FetchFullMessageFunc: func(ctx context.Context, ownerID uuid.UUID, ref domain.MessageRef) (*domain.RawMessage, error) {
			f.mu.Lock()
			defer f.mu.Unlock()

			if err, ok := f.failing[ref.ID]; ok {
				return nil, err
			}
			if f.missing[ref.ID] {
				return nil, domain.NewFetchError(domain.ErrNotFound, ref.ID, errors.New("404"))
			}
			for _, m := range f.messages {
				if m.ID == ref.ID {
					msg := *m
					return &msg, nil
				}
			}
			return nil, domain.NewFetchError(domain.ErrNotFound, ref.ID, errors.New("404"))
		},
	}
}

type harness struct {
	store     *inmemory.Store
	owner     *domain.Owner
	fixture   *mailboxFixture
	gateway   *MockGateway
	generator *MockGenerator
	events    *recordingPublisher
	audit     *recordingAudit
	coord     *pipeline.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := inmemory.NewStore()
	owner, err := st.CreateOwner(context.Background(), "a@x.com")
	require.NoError(t, err)

	h := &harness{
		store:     st,
		owner:     owner,
		fixture:   &mailboxFixture{missing: map[string]bool{}, failing: map[string]error{}},
		generator: &MockGenerator{},
		events:    &recordingPublisher{},
		audit:     &recordingAudit{},
	}
	h.gateway = h.fixture.gateway()
	h.rebuild()
	return h
}

func (h *harness) rebuild() {
	h.coord = pipeline.New(pipeline.Dependencies{
		Owners:       h.store,
		Watermarks:   h.store,
		Transactions: h.store,
		Gateway:      h.gateway,
		Extractor:    extractor.New(h.generator, zerolog.Nop()),
		Events:       h.events,
		Audit:        h.audit,
		ModelName:    "test-model",
	}, zerolog.Nop())
}

func notificationFor(email string) []byte {
	data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress":"` + email + `","historyId":101}`))
	return []byte(`{"message":{"data":"` + data + `","messageId":"1"},"subscription":"s"}`)
}

func (h *harness) count(t *testing.T, messageID string) int {
	t.Helper()
	n, err := h.store.CountTransactionsByMessage(context.Background(), h.owner.ID, messageID)
	require.NoError(t, err)
	return n
}

func TestHandleNotification_SwiggyScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.AdvanceWatermark(ctx, h.owner.ID, "100"))

	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.fixture.add("msg2", "50% off sale!")

	res := h.coord.HandleNotification(ctx, notificationFor("a@x.com"))
	require.NoError(t, res.Err)
	assert.Equal(t, pipeline.StateDone, res.State)
	assert.True(t, res.Acknowledge())
	assert.Equal(t, 2, res.Listed)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Rejected)
	assert.False(t, res.Bootstrap)

	assert.Equal(t, 1, h.count(t, "msg1"))
	assert.Equal(t, 0, h.count(t, "msg2"))

	txs, err := h.store.ListTransactions(ctx, domain.TransactionFilter{OwnerID: h.owner.ID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "Swiggy", txs[0].Merchant)
	assert.Equal(t, domain.SourceMail, txs[0].Source)
	assert.Equal(t, "Swiggy payment INR 450", txs[0].Description)

	watermark, _ := h.store.LoadWatermark(ctx, h.owner.ID)
	assert.Equal(t, h.fixture.messages[1].HistoryID, watermark, "watermark advances to the last message")
	assert.Equal(t, watermark, res.WatermarkAfter)

	require.Len(t, h.events.events, 1)
	assert.Equal(t, "msg1", h.events.events[0].ProviderMessageID)

	require.Len(t, h.audit.records, 2)
	assert.True(t, h.audit.records[0].Accepted)
	assert.Equal(t, "not_transaction", h.audit.records[1].Reason)
	assert.Equal(t, "test-model", h.audit.records[0].ModelName)

	// Redelivery of the identical notification inserts nothing new.
	again := h.coord.HandleNotification(ctx, notificationFor("a@x.com"))
	assert.Equal(t, pipeline.StateDone, again.State)
	assert.Equal(t, 0, again.Inserted)
	assert.Equal(t, 1, h.count(t, "msg1"))
	assert.Len(t, h.events.events, 1)
}

func TestIngestMailbox_IdempotentWhenWatermarkIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.fixture.add("msg2", "Uber trip Rs 320.50")

	first := h.coord.IngestMailbox(ctx, "a@x.com")
	require.Equal(t, pipeline.StateDone, first.State)
	assert.Equal(t, 2, first.Inserted)

	// A second batch that re-lists the same messages (bootstrap again)
	// must see only duplicates.
	h.gateway.ListCandidateMessagesFunc = func(ctx context.Context, ownerID uuid.UUID, since string) (*domain.Listing, error) {
		return &domain.Listing{
			Refs:      []domain.MessageRef{{ID: "msg2"}, {ID: "msg1"}},
			Watermark: "100",
			Bootstrap: true,
		}, nil
	}
	second := h.coord.IngestMailbox(ctx, "a@x.com")
	require.Equal(t, pipeline.StateDone, second.State)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 2, second.Duplicates)

	assert.Equal(t, 1, h.count(t, "msg1"))
	assert.Equal(t, 1, h.count(t, "msg2"))

	watermark, _ := h.store.LoadWatermark(ctx, h.owner.ID)
	assert.Equal(t, first.WatermarkAfter, watermark, "an older listing watermark never moves the cursor back")
}

func TestIngestMailbox_ConcurrentBatchesInsertOnce(t *testing.T) {
	h := newHarness(t)
	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.fixture.add("msg2", "Uber trip Rs 320.50")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.coord.HandleNotification(context.Background(), notificationFor("a@x.com"))
			assert.True(t, res.Acknowledge())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.count(t, "msg1"))
	assert.Equal(t, 1, h.count(t, "msg2"))
	assert.Len(t, h.events.events, 2)
}

func TestIngestMailbox_Rejections(t *testing.T) {
	h := newHarness(t)
	h.fixture.add("promo", "50% off sale!")
	h.fixture.add("garbled", "garbled bytes")

	res := h.coord.IngestMailbox(context.Background(), "a@x.com")
	assert.Equal(t, pipeline.StateDone, res.State)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Rejected)

	txs, _ := h.store.ListTransactions(context.Background(), domain.TransactionFilter{OwnerID: h.owner.ID})
	assert.Empty(t, txs)
	assert.Empty(t, h.events.events)
}

func (h *harness) pendingIDs(t *testing.T) []string {
	t.Helper()
	pending, err := h.store.PendingMessages(context.Background(), h.owner.ID)
	require.NoError(t, err)
	ids := []string{}
	for _, p := range pending {
		ids = append(ids, p.Ref.ID)
	}
	return ids
}

func TestIngestMailbox_PartialBatchResilience(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fixture.add("gone", "Swiggy payment INR 200")
	h.fixture.add("flaky", "Swiggy payment INR 300")
	h.fixture.add("msg3", "Uber trip Rs 320.50")
	h.fixture.missing["gone"] = true
	h.fixture.failing["flaky"] = domain.NewFetchError(domain.ErrTransientFetch, "flaky", errors.New("503"))

	res := h.coord.IngestMailbox(ctx, "a@x.com")
	assert.Equal(t, pipeline.StateDone, res.State)
	assert.Equal(t, 3, res.Listed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, h.count(t, "msg3"))
	assert.Equal(t, []string{"flaky"}, h.pendingIDs(t))

	watermark, _ := h.store.LoadWatermark(ctx, h.owner.ID)
	assert.Equal(t, h.fixture.messages[2].HistoryID, watermark)

	// The provider recovers; the next batch picks the message up even though
	// the watermark has moved past it.
	h.fixture.mu.Lock()
	delete(h.fixture.failing, "flaky")
	h.fixture.mu.Unlock()
	h.fixture.add("promo", "50% off sale!")

	next := h.coord.IngestMailbox(ctx, "a@x.com")
	require.Equal(t, pipeline.StateDone, next.State)
	assert.Equal(t, 1, next.Retried)
	assert.Equal(t, 1, next.Listed)
	assert.Equal(t, 1, next.Inserted)
	assert.Equal(t, 1, next.Rejected)
	assert.Equal(t, 0, next.Deferred)
	assert.Equal(t, 1, h.count(t, "flaky"))
	assert.Empty(t, h.pendingIDs(t))

	watermark, _ = h.store.LoadWatermark(ctx, h.owner.ID)
	assert.Equal(t, h.fixture.messages[3].HistoryID, watermark)
}

func TestIngestMailbox_TransientFetchRecoversNextCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.AdvanceWatermark(ctx, h.owner.ID, "100"))
	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.fixture.failing["msg1"] = domain.NewFetchError(domain.ErrTransientFetch, "msg1", errors.New("503"))

	first := h.coord.IngestMailbox(ctx, "a@x.com")
	require.Equal(t, pipeline.StateDone, first.State)
	assert.True(t, first.Acknowledge())
	assert.Equal(t, 1, first.Deferred)
	assert.Equal(t, "101", first.WatermarkAfter)
	assert.Equal(t, 0, h.count(t, "msg1"))

	h.fixture.mu.Lock()
	delete(h.fixture.failing, "msg1")
	h.fixture.mu.Unlock()
	h.fixture.add("msg2", "Uber trip Rs 320.50")

	second := h.coord.IngestMailbox(ctx, "a@x.com")
	require.Equal(t, pipeline.StateDone, second.State)
	assert.Equal(t, []string{"100", "101"}, h.gateway.listCalls)
	assert.Equal(t, 1, second.Listed, "only msg2 is after the watermark")
	assert.Equal(t, 2, second.Inserted)
	assert.Equal(t, 1, h.count(t, "msg1"))
	assert.Equal(t, 1, h.count(t, "msg2"))
	assert.Empty(t, h.pendingIDs(t))
	require.Len(t, h.events.events, 2)
	assert.Equal(t, "msg1", h.events.events[0].ProviderMessageID, "carried messages go first")
}

func TestIngestMailbox_GivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fixture.add("flaky", "Swiggy payment INR 300")
	h.fixture.failing["flaky"] = domain.NewFetchError(domain.ErrTransientFetch, "flaky", errors.New("503"))

	coord := pipeline.New(pipeline.Dependencies{
		Owners:       h.store,
		Watermarks:   h.store,
		Transactions: h.store,
		Gateway:      h.gateway,
		Extractor:    extractor.New(h.generator, zerolog.Nop()),
		MaxAttempts:  2,
	}, zerolog.Nop())

	first := coord.IngestMailbox(ctx, "a@x.com")
	assert.Equal(t, 1, first.Deferred)
	assert.Equal(t, []string{"flaky"}, h.pendingIDs(t))

	second := coord.IngestMailbox(ctx, "a@x.com")
	assert.Equal(t, pipeline.StateDone, second.State)
	assert.Equal(t, 1, second.Retried)
	assert.Equal(t, 0, second.Deferred)
	assert.Equal(t, 1, second.Skipped)
	assert.Empty(t, h.pendingIDs(t))

	third := coord.IngestMailbox(ctx, "a@x.com")
	assert.Equal(t, 0, third.Retried)
}

func TestIngestMailbox_GoneCarriedMessageIsCleared(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fixture.add("msg1", "Swiggy payment INR 450")
	_, err := h.store.MarkPending(ctx, h.owner.ID, domain.MessageRef{ID: "deleted"}, "503")
	require.NoError(t, err)

	res := h.coord.IngestMailbox(ctx, "a@x.com")
	require.Equal(t, pipeline.StateDone, res.State)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Inserted)
	assert.Empty(t, h.pendingIDs(t))
}

type failingStore struct {
	*inmemory.Store
	failFor string
}

func (s *failingStore) InsertIfAbsent(ctx context.Context, tx *domain.Transaction) (bool, error) {
	if *tx.ProviderMessageID == s.failFor {
		return false, errors.New("connection reset")
	}
	return s.Store.InsertIfAbsent(ctx, tx)
}

func TestIngestMailbox_PersistFailureRetriesNextCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.fixture.add("msg2", "Uber trip Rs 320.50")

	txStore := &failingStore{Store: h.store, failFor: "msg1"}
	coord := pipeline.New(pipeline.Dependencies{
		Owners:       h.store,
		Watermarks:   h.store,
		Transactions: txStore,
		Gateway:      h.gateway,
		Extractor:    extractor.New(h.generator, zerolog.Nop()),
	}, zerolog.Nop())

	res := coord.IngestMailbox(ctx, "a@x.com")
	assert.Equal(t, pipeline.StateDone, res.State)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, h.count(t, "msg1"))
	assert.Equal(t, 1, h.count(t, "msg2"))
	assert.Equal(t, []string{"msg1"}, h.pendingIDs(t))

	txStore.failFor = ""
	next := coord.IngestMailbox(ctx, "a@x.com")
	require.Equal(t, pipeline.StateDone, next.State)
	assert.Equal(t, 1, next.Retried)
	assert.Equal(t, 1, next.Inserted)
	assert.Equal(t, 1, h.count(t, "msg1"))
	assert.Equal(t, 1, h.count(t, "msg2"))
	assert.Empty(t, h.pendingIDs(t))
}

type unmarkableStore struct {
	*inmemory.Store
}

func (s *unmarkableStore) MarkPending(ctx context.Context, ownerID uuid.UUID, ref domain.MessageRef, reason string) (int, error) {
	return 0, errors.New("connection refused")
}

func TestIngestMailbox_DeferralFailureKeepsWatermark(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.AdvanceWatermark(ctx, h.owner.ID, "100"))
	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.fixture.failing["msg1"] = domain.NewFetchError(domain.ErrTransientFetch, "msg1", errors.New("503"))

	coord := pipeline.New(pipeline.Dependencies{
		Owners:       h.store,
		Watermarks:   &unmarkableStore{Store: h.store},
		Transactions: h.store,
		Gateway:      h.gateway,
		Extractor:    extractor.New(h.generator, zerolog.Nop()),
	}, zerolog.Nop())

	res := coord.IngestMailbox(ctx, "a@x.com")
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.Equal(t, "infrastructure_error", res.FailureReason)
	assert.False(t, res.Acknowledge())

	watermark, _ := h.store.LoadWatermark(ctx, h.owner.ID)
	assert.Equal(t, "100", watermark)
}

func TestIngestMailbox_OpensOneSessionPerBatch(t *testing.T) {
	h := newHarness(t)
	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.fixture.add("msg2", "Uber trip Rs 320.50")

	res := h.coord.IngestMailbox(context.Background(), "a@x.com")
	require.Equal(t, pipeline.StateDone, res.State)
	assert.Equal(t, 1, h.gateway.opens)
}

func TestIngestMailbox_CredentialErrorOnOpen(t *testing.T) {
	h := newHarness(t)
	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.gateway.OpenFunc = func(ctx context.Context, ownerID uuid.UUID) error {
		return domain.NewFetchError(domain.ErrCredential, "", errors.New("no tokens stored"))
	}

	res := h.coord.IngestMailbox(context.Background(), "a@x.com")
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.Equal(t, "credential_error", res.FailureReason)
	assert.True(t, res.Acknowledge())
	assert.Empty(t, h.gateway.listCalls)
}

func TestHandleNotification_UnknownOwner(t *testing.T) {
	h := newHarness(t)
	h.fixture.add("msg1", "Swiggy payment INR 450")

	res := h.coord.HandleNotification(context.Background(), notificationFor("stranger@x.com"))
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrUnknownOwner)
	assert.Equal(t, "unknown_owner", res.FailureReason)
	assert.True(t, res.Acknowledge())

	assert.Empty(t, h.gateway.listCalls)
	assert.Zero(t, h.gateway.opens)
	assert.Equal(t, 0, h.generator.calls)
	txs, _ := h.store.ListTransactions(context.Background(), domain.TransactionFilter{OwnerID: h.owner.ID})
	assert.Empty(t, txs)
}

func TestHandleNotification_Malformed(t *testing.T) {
	h := newHarness(t)

	res := h.coord.HandleNotification(context.Background(), []byte(`{"message":{"data":"%%%"}}`))
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrMalformedNotification)
	assert.True(t, res.Acknowledge())
	assert.Empty(t, h.gateway.listCalls)
}

func TestIngestMailbox_CredentialErrorDuringListing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.AdvanceWatermark(context.Background(), h.owner.ID, "100"))
	h.gateway.ListCandidateMessagesFunc = func(ctx context.Context, ownerID uuid.UUID, since string) (*domain.Listing, error) {
		return nil, domain.NewFetchError(domain.ErrCredential, "", errors.New("invalid_grant"))
	}

	res := h.coord.IngestMailbox(context.Background(), "a@x.com")
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.Equal(t, "credential_error", res.FailureReason)
	assert.True(t, res.Acknowledge(), "credential failures are not redelivered")
	assert.Len(t, h.gateway.listCalls, 1, "credential errors are not retried")

	watermark, _ := h.store.LoadWatermark(context.Background(), h.owner.ID)
	assert.Equal(t, "100", watermark)
}

func TestIngestMailbox_CredentialErrorDuringFetch(t *testing.T) {
	h := newHarness(t)
	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.fixture.add("msg2", "Uber trip Rs 320.50")
	h.fixture.failing["msg1"] = domain.NewFetchError(domain.ErrCredential, "msg1", errors.New("401"))

	res := h.coord.IngestMailbox(context.Background(), "a@x.com")
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.True(t, res.Acknowledge())
	assert.Equal(t, 0, h.count(t, "msg2"), "batch stops at the credential failure")

	watermark, _ := h.store.LoadWatermark(context.Background(), h.owner.ID)
	assert.Empty(t, watermark)
}

func TestIngestMailbox_InfraErrorDuringListing(t *testing.T) {
	h := newHarness(t)
	h.gateway.ListCandidateMessagesFunc = func(ctx context.Context, ownerID uuid.UUID, since string) (*domain.Listing, error) {
		return nil, domain.NewFetchError(domain.ErrTransientFetch, "", errors.New("503"))
	}

	res := h.coord.IngestMailbox(context.Background(), "a@x.com")
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.Equal(t, "infrastructure_error", res.FailureReason)
	assert.False(t, res.Acknowledge())
}

func TestIngestMailbox_ExpiredWatermarkFallsBackToBootstrap(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.AdvanceWatermark(context.Background(), h.owner.ID, "5"))
	h.gateway.ListCandidateMessagesFunc = func(ctx context.Context, ownerID uuid.UUID, since string) (*domain.Listing, error) {
		if since != "" {
			return nil, domain.ErrWatermarkExpired
		}
		return &domain.Listing{Refs: []domain.MessageRef{{ID: "msg1"}}, Watermark: "900", Bootstrap: true}, nil
	}
	h.fixture.add("msg1", "Swiggy payment INR 450")

	res := h.coord.IngestMailbox(context.Background(), "a@x.com")
	require.Equal(t, pipeline.StateDone, res.State)
	assert.True(t, res.Bootstrap)
	assert.Equal(t, []string{"5", ""}, h.gateway.listCalls)
	assert.Equal(t, 1, res.Inserted)

	watermark, _ := h.store.LoadWatermark(context.Background(), h.owner.ID)
	assert.Equal(t, "900", watermark)
}

func TestIngestMailbox_FirstCycleBootstraps(t *testing.T) {
	h := newHarness(t)
	h.fixture.add("msg1", "Swiggy payment INR 450")

	res := h.coord.IngestMailbox(context.Background(), "a@x.com")
	require.Equal(t, pipeline.StateDone, res.State)
	assert.True(t, res.Bootstrap)
	assert.Equal(t, []string{""}, h.gateway.listCalls)
	assert.Empty(t, res.WatermarkBefore)
	assert.NotEmpty(t, res.WatermarkAfter)
}

func TestIngestMailbox_CanceledMidBatch(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.AdvanceWatermark(context.Background(), h.owner.ID, "100"))
	h.fixture.add("msg1", "Swiggy payment INR 450")
	h.fixture.add("msg2", "Uber trip Rs 320.50")

	ctx, cancel := context.WithCancel(context.Background())
	fetch := h.gateway.FetchFullMessageFunc
	h.gateway.FetchFullMessageFunc = func(c context.Context, ownerID uuid.UUID, ref domain.MessageRef) (*domain.RawMessage, error) {
		msg, err := fetch(c, ownerID, ref)
		if ref.ID == "msg1" {
			cancel()
		}
		return msg, err
	}

	res := h.coord.IngestMailbox(ctx, "a@x.com")
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.Equal(t, "canceled", res.FailureReason)
	assert.False(t, res.Acknowledge())
	assert.Equal(t, 0, h.count(t, "msg2"))

	watermark, _ := h.store.LoadWatermark(context.Background(), h.owner.ID)
	assert.Equal(t, "100", watermark, "canceled batches leave the watermark alone")
}

func TestIngestMailbox_EventFailureDoesNotFailBatch(t *testing.T) {
	h := newHarness(t)
	h.events.err = errors.New("broker down")
	h.fixture.add("msg1", "Swiggy payment INR 450")

	res := h.coord.IngestMailbox(context.Background(), "a@x.com")
	assert.Equal(t, pipeline.StateDone, res.State)
	assert.Equal(t, 1, res.Inserted)
}

func TestNew_DefaultsOptionalCollaborators(t *testing.T) {
	h := newHarness(t)
	h.fixture.add("msg1", "Swiggy payment INR 450")

	coord := pipeline.New(pipeline.Dependencies{
		Owners:       h.store,
		Watermarks:   h.store,
		Transactions: h.store,
		Gateway:      h.gateway,
		Extractor:    extractor.New(h.generator, zerolog.Nop()),
	}, zerolog.Nop())

	res := coord.IngestMailbox(context.Background(), "a@x.com")
	assert.Equal(t, pipeline.StateDone, res.State)
	assert.Equal(t, 1, res.Inserted)
}
