package payments_test

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	fixedNow      = time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	webhookSecret = []byte("test-webhook-secret")
)

type fakeGateway struct {
	mutex       sync.Mutex
	initiateErr error
	statuses    map[string]payments.GatewayResult
	statusErr   error
	initiated   int
	statusCalls int
}

func (gateway *fakeGateway) Initiate(_ context.Context, request payments.GatewayRequest) (payments.GatewayPayment, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.initiated++
	if gateway.initiateErr != nil {
		return payments.GatewayPayment{}, gateway.initiateErr
	}
	reference := "rrr-" + request.OrderID
	return payments.GatewayPayment{Reference: reference, PaymentURL: "https://pay.example/" + reference}, nil
}

func (gateway *fakeGateway) Status(_ context.Context, reference string) (payments.GatewayResult, error) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.statusCalls++
	if gateway.statusErr != nil {
		return payments.GatewayResult{}, gateway.statusErr
	}
	result, ok := gateway.statuses[reference]
	if !ok {
		return payments.GatewayResult{Reference: reference, Status: payments.StatusPending, Code: "021"}, nil
	}
	return result, nil
}

func (gateway *fakeGateway) setStatus(reference string, status payments.Status, amount int64) {
	gateway.mutex.Lock()
	defer gateway.mutex.Unlock()
	gateway.statuses[reference] = payments.GatewayResult{Reference: reference, Status: status, Amount: amount}
}

type harness struct {
	gateway    *fakeGateway
	ledger     *ledger.Service
	payments   *payments.Service
	reconciler *payments.Reconciler
	buyer      ledger.UserID
}

func TestInitiateRecordsIntentWithoutCredit(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()

	intent, err := env.payments.Initiate(ctx, env.initiateRequest("order-1", 5000))
	if err != nil {
		test.Fatalf("initiate: %v", err)
	}
	if intent.Status != payments.StatusInitiated || intent.Reference != "rrr-order-1" || intent.Credits != 10000 {
		test.Fatalf("unexpected intent: %+v", intent)
	}
	assertAvailable(test, env, 0)

	again, err := env.payments.Initiate(ctx, env.initiateRequest("order-1", 5000))
	if err != nil {
		test.Fatalf("retry initiate: %v", err)
	}
	if again.Reference != intent.Reference || env.gateway.initiated != 1 {
		test.Fatalf("expected retry to reuse intent, got %+v after %d gateway calls", again, env.gateway.initiated)
	}
	if _, err := env.payments.Initiate(ctx, env.initiateRequest("order-1", 7000)); !errors.Is(err, payments.ErrOrderConflict) {
		test.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func TestInitiateGatewayFailureLeavesNoIntent(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	env.gateway.initiateErr = payments.ErrGatewayUnreachable

	if _, err := env.payments.Initiate(ctx, env.initiateRequest("order-2", 100)); !errors.Is(err, payments.ErrGatewayUnreachable) {
		test.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
	if _, err := env.payments.GetIntent(ctx, "order-2"); !errors.Is(err, payments.ErrUnknownPaymentIntent) {
		test.Fatalf("expected no intent, got %v", err)
	}

	env.gateway.initiateErr = nil
	if _, err := env.payments.Initiate(ctx, env.initiateRequest("order-2", 100)); err != nil {
		test.Fatalf("retry after failure: %v", err)
	}
}

func TestInitiateValidation(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	if _, err := env.payments.Initiate(ctx, env.initiateRequest(" ", 100)); !errors.Is(err, payments.ErrInvalidOrderID) {
		test.Fatalf("expected ErrInvalidOrderID, got %v", err)
	}
	if _, err := env.payments.Initiate(ctx, env.initiateRequest("order-3", 0)); !errors.Is(err, payments.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.payments.Initiate(ctx, env.initiateRequest("order-3", math.MaxInt64/2+1)); !errors.Is(err, payments.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for an overflowing amount, got %v", err)
	}
	if env.gateway.initiated != 0 {
		test.Fatalf("gateway must not be called for invalid requests")
	}
}

func TestDuplicateWebhookCreditsOnce(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	intent := mustInitiate(test, env, "order-4", 2500)
	env.gateway.setStatus(intent.Reference, payments.StatusSuccess, 2500)
	body := []byte(`{"rrr":"` + intent.Reference + `","orderRef":"order-4","amount":2500}`)
	signature := payments.Sign(webhookSecret, body)

	first, err := env.reconciler.HandleWebhook(ctx, body, signature)
	if err != nil {
		test.Fatalf("first webhook: %v", err)
	}
	if len(first) != 1 || first[0].Status != payments.StatusSuccess || first[0].Replayed || first[0].CreditEntryID == "" {
		test.Fatalf("unexpected first outcome: %+v", first)
	}
	second, err := env.reconciler.HandleWebhook(ctx, body, signature)
	if err != nil {
		test.Fatalf("second webhook: %v", err)
	}
	if len(second) != 1 || !second[0].Replayed || second[0].CreditEntryID != first[0].CreditEntryID {
		test.Fatalf("unexpected second outcome: %+v", second)
	}
	assertAvailable(test, env, 5000)

	stored, err := env.payments.GetIntent(ctx, "order-4")
	if err != nil {
		test.Fatalf("get intent: %v", err)
	}
	if stored.Status != payments.StatusSuccess || stored.CompletedAt == nil || stored.CreditEntryID != first[0].CreditEntryID {
		test.Fatalf("unexpected stored intent: %+v", stored)
	}
	if _, err := env.payments.Initiate(ctx, env.initiateRequest("order-4", 2500)); !errors.Is(err, payments.ErrIntentFinalized) {
		test.Fatalf("expected ErrIntentFinalized, got %v", err)
	}
}

func TestConcurrentWebhookDeliveriesCreditOnce(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	intent := mustInitiate(test, env, "order-13", 2500)
	env.gateway.setStatus(intent.Reference, payments.StatusSuccess, 2500)
	body := []byte(`{"rrr":"` + intent.Reference + `","orderRef":"order-13","amount":2500}`)
	signature := payments.Sign(webhookSecret, body)

	const deliveries = 4
	var waitGroup sync.WaitGroup
	outcomes := make([][]payments.Outcome, deliveries)
	results := make([]error, deliveries)
	for index := 0; index < deliveries; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			outcomes[index], results[index] = env.reconciler.HandleWebhook(ctx, body, signature)
		}(index)
	}
	waitGroup.Wait()

	var credited, replayed int
	var entryID string
	for index, err := range results {
		if err != nil {
			test.Fatalf("delivery %d: %v", index, err)
		}
		if len(outcomes[index]) != 1 {
			test.Fatalf("delivery %d: unexpected outcomes %+v", index, outcomes[index])
		}
		outcome := outcomes[index][0]
		if outcome.Replayed {
			replayed++
			continue
		}
		credited++
		entryID = outcome.CreditEntryID
	}
	if credited != 1 || replayed != deliveries-1 {
		test.Fatalf("expected one credit and %d replays, got %d and %d", deliveries-1, credited, replayed)
	}
	for _, outcome := range outcomes {
		if outcome[0].CreditEntryID != entryID {
			test.Fatalf("expected every delivery to report entry %s, got %+v", entryID, outcome[0])
		}
	}
	assertAvailable(test, env, 5000)
	entries, err := env.ledger.ListEntries(ctx, env.buyer, 0, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		test.Fatalf("expected a single ledger entry, got %d", len(entries))
	}
}

func TestTamperedWebhookIsRejected(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	intent := mustInitiate(test, env, "order-5", 1000)
	env.gateway.setStatus(intent.Reference, payments.StatusSuccess, 1000)
	original := []byte(`{"rrr":"` + intent.Reference + `","orderRef":"order-5","amount":1000}`)
	signature := payments.Sign(webhookSecret, original)
	tampered := []byte(`{"rrr":"` + intent.Reference + `","orderRef":"order-5","amount":9000}`)

	if _, err := env.reconciler.HandleWebhook(ctx, tampered, signature); !errors.Is(err, payments.ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if _, err := env.reconciler.HandleWebhook(ctx, original, "deadbeef"); !errors.Is(err, payments.ErrInvalidSignature) {
		test.Fatalf("expected ErrInvalidSignature for mismatched hash, got %v", err)
	}
	assertAvailable(test, env, 0)
	if env.gateway.statusCalls != 0 {
		test.Fatalf("gateway must not be consulted for rejected webhooks")
	}
}

func TestWebhookRejectsUnknownIntentAndAmountMismatch(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	unknown := []byte(`{"rrr":"nope","orderRef":"missing"}`)
	if _, err := env.reconciler.HandleWebhook(ctx, unknown, payments.Sign(webhookSecret, unknown)); !errors.Is(err, payments.ErrUnknownPaymentIntent) {
		test.Fatalf("expected ErrUnknownPaymentIntent, got %v", err)
	}

	intent := mustInitiate(test, env, "order-6", 1000)
	env.gateway.setStatus(intent.Reference, payments.StatusSuccess, 1000)
	mismatch := []byte(`{"rrr":"` + intent.Reference + `","orderRef":"order-6","amount":1500}`)
	if _, err := env.reconciler.HandleWebhook(ctx, mismatch, payments.Sign(webhookSecret, mismatch)); !errors.Is(err, payments.ErrAmountMismatch) {
		test.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	assertAvailable(test, env, 0)

	byReference := []byte(`{"rrr":"` + intent.Reference + `"}`)
	outcomes, err := env.reconciler.HandleWebhook(ctx, byReference, payments.Sign(webhookSecret, byReference))
	if err != nil {
		test.Fatalf("webhook by reference: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].OrderID != "order-6" || outcomes[0].Status != payments.StatusSuccess {
		test.Fatalf("unexpected outcomes: %+v", outcomes)
	}
	assertAvailable(test, env, 2000)
}

func TestGatewayAmountMismatchBlocksCredit(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	intent := mustInitiate(test, env, "order-7", 1000)
	env.gateway.setStatus(intent.Reference, payments.StatusSuccess, 10)
	if _, err := env.reconciler.Reconcile(ctx, "order-7"); !errors.Is(err, payments.ErrAmountMismatch) {
		test.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	assertAvailable(test, env, 0)
}

func TestGatewaySuccessWithoutAmountBlocksCredit(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	intent := mustInitiate(test, env, "order-14", 1000)
	env.gateway.setStatus(intent.Reference, payments.StatusSuccess, 0)
	if _, err := env.reconciler.Reconcile(ctx, "order-14"); !errors.Is(err, payments.ErrAmountMismatch) {
		test.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	stored, err := env.payments.GetIntent(ctx, "order-14")
	if err != nil {
		test.Fatalf("get intent: %v", err)
	}
	if stored.Status != payments.StatusInitiated || stored.CreditEntryID != "" {
		test.Fatalf("expected untouched intent, got %+v", stored)
	}
	assertAvailable(test, env, 0)
}

func TestReconcileFailedAndPending(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	pending := mustInitiate(test, env, "order-8", 300)
	failed := mustInitiate(test, env, "order-9", 400)
	env.gateway.setStatus(failed.Reference, payments.StatusFailed, 0)

	outcome, err := env.reconciler.Reconcile(ctx, pending.OrderID)
	if err != nil {
		test.Fatalf("reconcile pending: %v", err)
	}
	if outcome.Status != payments.StatusPending {
		test.Fatalf("expected pending, got %+v", outcome)
	}
	outcome, err = env.reconciler.Reconcile(ctx, failed.OrderID)
	if err != nil {
		test.Fatalf("reconcile failed: %v", err)
	}
	if outcome.Status != payments.StatusFailed || outcome.CreditEntryID != "" {
		test.Fatalf("expected failed without credit, got %+v", outcome)
	}
	assertAvailable(test, env, 0)

	env.gateway.setStatus(failed.Reference, payments.StatusSuccess, 400)
	replayed, err := env.reconciler.Reconcile(ctx, failed.OrderID)
	if err != nil {
		test.Fatalf("reconcile terminal: %v", err)
	}
	if !replayed.Replayed || replayed.Status != payments.StatusFailed {
		test.Fatalf("terminal intents must not be re-processed, got %+v", replayed)
	}
	assertAvailable(test, env, 0)
}

func TestGatewayErrorsLeaveIntentUntouched(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	intent := mustInitiate(test, env, "order-10", 100)
	env.gateway.statusErr = payments.ErrGatewayUnreachable
	if _, err := env.reconciler.Reconcile(ctx, intent.OrderID); !errors.Is(err, payments.ErrGatewayUnreachable) {
		test.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
	stored, err := env.payments.GetIntent(ctx, intent.OrderID)
	if err != nil {
		test.Fatalf("get intent: %v", err)
	}
	if stored.Status != payments.StatusInitiated {
		test.Fatalf("expected initiated, got %s", stored.Status)
	}
}

func TestSweepStaleFinalizesOldIntents(test *testing.T) {
	test.Parallel()
	env := newHarness(test)
	ctx := context.Background()
	succeeded := mustInitiate(test, env, "order-11", 100)
	mustInitiate(test, env, "order-12", 200)
	env.gateway.setStatus(succeeded.Reference, payments.StatusSuccess, 100)

	report, err := env.reconciler.SweepStale(ctx, fixedNow.Add(time.Minute), 10)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if report.Checked != 2 || report.Finalized != 1 || report.Failed != 0 {
		test.Fatalf("unexpected report: %+v", report)
	}
	assertAvailable(test, env, 200)

	report, err = env.reconciler.SweepStale(ctx, fixedNow.Add(-time.Minute), 10)
	if err != nil {
		test.Fatalf("second sweep: %v", err)
	}
	if report.Checked != 0 {
		test.Fatalf("expected nothing older than the cutoff, got %+v", report)
	}
}

func newHarness(test *testing.T) harness {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "payments.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}

	ledgerService, err := ledger.NewService(gormstore.New(db), func() int64 { return fixedNow.Unix() })
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	gateway := &fakeGateway{statuses: map[string]payments.GatewayResult{}}
	store := gormstore.NewPaymentStore(db)
	clock := payments.WithClock(func() time.Time { return fixedNow })
	service, err := payments.NewService(store, gateway, clock, payments.WithCreditsPerUnit(2))
	if err != nil {
		test.Fatalf("payment service: %v", err)
	}
	reconciler, err := payments.NewReconciler(store, gateway, payments.LedgerCrediter(ledgerService), webhookSecret, clock)
	if err != nil {
		test.Fatalf("reconciler: %v", err)
	}
	buyer, err := ledger.NewUserID("buyer")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return harness{gateway: gateway, ledger: ledgerService, payments: service, reconciler: reconciler, buyer: buyer}
}

func (env harness) initiateRequest(orderID string, amount int64) payments.InitiateRequest {
	return payments.InitiateRequest{
		OrderID:     orderID,
		UserID:      env.buyer,
		Amount:      amount,
		Payer:       payments.Payer{Name: "Ada Obi", Email: "ada@example.com", Phone: "08030000000"},
		Description: "credit top-up",
	}
}

func mustInitiate(test *testing.T, env harness, orderID string, amount int64) payments.Intent {
	test.Helper()
	intent, err := env.payments.Initiate(context.Background(), env.initiateRequest(orderID, amount))
	if err != nil {
		test.Fatalf("initiate %s: %v", orderID, err)
	}
	return intent
}

func assertAvailable(test *testing.T, env harness, expected ledger.Credits) {
	test.Helper()
	balance, err := env.ledger.Balance(context.Background(), env.buyer)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Available != expected {
		test.Fatalf("expected available %d, got %d", expected, balance.Available)
	}
}
