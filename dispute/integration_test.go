package dispute_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustledger/authz"
	"trustledger/dispute"
	"trustledger/ledger"
	"trustledger/outbox"
	"trustledger/test/infra"
)

type fixture struct {
	h        *infra.Harness
	ledger   *ledger.Service
	disputes *dispute.Service
	customer authz.Principal
	provider authz.Principal
	mediator authz.Principal
	admin    authz.Principal
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	h := infra.Open(t)
	out := outbox.NewWriter()
	l := ledger.NewService(h.Pool(), nil, out, nil)
	return fixture{
		h:        h,
		ledger:   l,
		disputes: dispute.NewService(h.Pool(), nil, l, out, nil),
		customer: authz.Principal{UserID: "cust-1", ActorType: authz.ActorCustomer},
		provider: authz.Principal{UserID: "prov-1", ActorType: authz.ActorProvider},
		mediator: authz.Principal{UserID: "med-1", ActorType: authz.ActorMediator},
		admin:    authz.Principal{UserID: "admin-1", ActorType: authz.ActorAdmin},
	}
}

// fundedTransaction returns an in-escrow transaction owned by the fixture customer.
func (f fixture) fundedTransaction(t *testing.T, ctx context.Context) ledger.Transaction {
	t.Helper()
	acct, err := f.ledger.CreateAccount(ctx, ledger.CreateAccountParams{OwnerID: f.customer.UserID, Provider: "stripe", CurrencyCode: "USD"})
	require.NoError(t, err)
	_, err = f.ledger.SetAccountStatus(ctx, acct.ID, ledger.AccountActive)
	require.NoError(t, err)
	txn, err := f.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
		AccountID:      acct.ID,
		Type:           ledger.TypeProject,
		Amount:         decimal.RequireFromString("500"),
		FeeAmount:      decimal.RequireFromString("25"),
		InitiatedByID:  f.customer.UserID,
		CounterpartyID: f.provider.UserID,
	})
	require.NoError(t, err)
	for _, target := range []ledger.TransactionStatus{ledger.StatusFunded, ledger.StatusInEscrow} {
		txn, err = f.ledger.Transition(ctx, ledger.TransitionParams{TransactionID: txn.ID, Target: target, Actor: ledger.Actor{ID: "payments", Type: "system"}})
		require.NoError(t, err)
	}
	return txn
}

func ptr[T any](v T) *T { return &v }

func TestOpenCaseDisputesTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedTransaction(t, ctx)

	c, err := f.disputes.OpenCase(ctx, f.customer, dispute.OpenCaseParams{TransactionID: txn.ID, ReasonCode: "not_delivered"})
	require.NoError(t, err)
	assert.Equal(t, dispute.StageIntake, c.Stage)
	assert.Equal(t, dispute.StatusOpen, c.Status)
	assert.Equal(t, dispute.PriorityMedium, c.Priority)

	stored, err := f.ledger.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusDisputed, stored.Status)

	events, err := f.disputes.ListEvents(ctx, f.provider, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, dispute.ActionSystemNotice, events[0].ActionType)

	_, err = f.disputes.OpenCase(ctx, f.admin, dispute.OpenCaseParams{TransactionID: txn.ID, ReasonCode: "again"})
	assert.ErrorIs(t, err, dispute.ErrTransactionNotEligible)

	stranger := authz.Principal{UserID: "cust-2", ActorType: authz.ActorCustomer}
	_, err = f.disputes.Get(ctx, stranger, c.ID)
	assert.ErrorIs(t, err, dispute.ErrCaseNotFound)
}

func TestOpenCaseForbiddenWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedTransaction(t, ctx)

	_, err := f.disputes.OpenCase(ctx, f.mediator, dispute.OpenCaseParams{TransactionID: txn.ID, ReasonCode: "x"})
	require.ErrorIs(t, err, authz.ErrForbidden)

	var cases int
	require.NoError(t, f.h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM dispute_cases`).Scan(&cases))
	assert.Zero(t, cases)
}

func TestConcurrentOpenCaseCreatesOneCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedTransaction(t, ctx)

	const racers = 6
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		other []error
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.disputes.OpenCase(ctx, f.customer, dispute.OpenCaseParams{TransactionID: txn.ID, ReasonCode: "late"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			other = append(other, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	for _, err := range other {
		assert.ErrorIs(t, err, dispute.ErrTransactionNotEligible)
	}
}

func TestSettleWithRefundMovesMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedTransaction(t, ctx)
	c, err := f.disputes.OpenCase(ctx, f.customer, dispute.OpenCaseParams{TransactionID: txn.ID, ReasonCode: "not_delivered"})
	require.NoError(t, err)

	_, _, err = f.disputes.AppendEvent(ctx, f.mediator, c.ID, dispute.EventInput{
		ActionType: dispute.ActionStatusChange,
		Status:     ptr(dispute.StatusSettled),
	})
	require.ErrorIs(t, err, dispute.ErrResolutionRequired)

	settled, ev, err := f.disputes.AppendEvent(ctx, f.mediator, c.ID, dispute.EventInput{
		ActionType:            dispute.ActionStatusChange,
		Status:                ptr(dispute.StatusSettled),
		TransactionResolution: ptr(dispute.ResolutionRefund),
		ResolutionNotes:       ptr("provider never delivered"),
	})
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusSettled, settled.Status)
	assert.Nil(t, settled.ResolvedAt, "resolvedAt waits for the resolved stage")
	assert.Equal(t, "refund", ev.Metadata["transactionResolution"])

	stored, err := f.ledger.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRefunded, stored.Status)
	require.NoError(t, ledger.VerifyAuditTrail(stored.AuditTrail))
	acct, err := f.ledger.GetAccount(ctx, txn.AccountID)
	require.NoError(t, err)
	assert.True(t, acct.CurrentBalance.IsZero())

	resolved, _, err := f.disputes.AppendEvent(ctx, f.admin, c.ID, dispute.EventInput{
		ActionType: dispute.ActionStageOverride,
		Stage:      ptr(dispute.StageResolved),
	})
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	_, _, err = f.disputes.AppendEvent(ctx, f.customer, c.ID, dispute.EventInput{ActionType: dispute.ActionComment, Notes: ptr("thanks")})
	assert.ErrorIs(t, err, dispute.ErrCaseResolved)

	var resolvedTopics int
	require.NoError(t, f.h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1`, outbox.TopicDisputeResolved).Scan(&resolvedTopics))
	assert.Equal(t, 1, resolvedTopics)
}

func TestHoldReturnsTransactionToEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedTransaction(t, ctx)
	c, err := f.disputes.OpenCase(ctx, f.customer, dispute.OpenCaseParams{TransactionID: txn.ID, ReasonCode: "quality"})
	require.NoError(t, err)

	_, _, err = f.disputes.AppendEvent(ctx, f.mediator, c.ID, dispute.EventInput{
		ActionType:            dispute.ActionStatusChange,
		Status:                ptr(dispute.StatusClosed),
		TransactionResolution: ptr(dispute.ResolutionHold),
	})
	require.NoError(t, err)

	stored, err := f.ledger.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInEscrow, stored.Status)

	// a closed case frees the transaction for a new dispute
	_, err = f.disputes.OpenCase(ctx, f.provider, dispute.OpenCaseParams{TransactionID: txn.ID, ReasonCode: "payment_withheld"})
	require.NoError(t, err)
}

func TestRecordEscalationOncePerDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedTransaction(t, ctx)
	due := time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond)
	c, err := f.disputes.OpenCase(ctx, f.customer, dispute.OpenCaseParams{
		TransactionID:      txn.ID,
		ReasonCode:         "late",
		CustomerDeadlineAt: &due,
	})
	require.NoError(t, err)

	ok, err := f.disputes.RecordEscalation(ctx, c.ID, authz.PartyCustomer, due)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.disputes.RecordEscalation(ctx, c.ID, authz.PartyCustomer, due)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.disputes.RecordEscalation(ctx, c.ID, authz.PartyProvider, due)
	require.NoError(t, err)
	assert.False(t, ok, "provider has no deadline")

	got, err := f.disputes.Get(ctx, f.mediator, c.ID)
	require.NoError(t, err)
	assert.Equal(t, due.Format(time.RFC3339), dispute.EscalatedAt(got, authz.PartyCustomer))
}

func TestDashboardReadsForOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedTransaction(t, ctx)
	c, err := f.disputes.OpenCase(ctx, f.customer, dispute.OpenCaseParams{TransactionID: txn.ID, ReasonCode: "late"})
	require.NoError(t, err)
	_, ev, err := f.disputes.AppendEvent(ctx, f.customer, c.ID, dispute.EventInput{ActionType: dispute.ActionComment, Notes: ptr("any update?")})
	require.NoError(t, err)

	cases, err := f.disputes.ListForOwner(ctx, f.customer.UserID, []dispute.Status{dispute.StatusOpen})
	require.NoError(t, err)
	require.Len(t, cases, 1)

	latest, err := f.disputes.LatestEvents(ctx, []string{c.ID})
	require.NoError(t, err)
	assert.Equal(t, ev.ID, latest[c.ID].ID)

	active, err := f.disputes.ListActive(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestEventsWithSameTimestampKeepInsertOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := dispute.NewService(f.h.Pool(), nil, f.ledger, outbox.NewWriter(), nil).
		WithClock(func() time.Time { return at })
	txn := f.fundedTransaction(t, ctx)

	c, err := svc.OpenCase(ctx, f.customer, dispute.OpenCaseParams{TransactionID: txn.ID, ReasonCode: "late"})
	require.NoError(t, err)
	for _, note := range []string{"first", "second", "third"} {
		_, _, err := svc.AppendEvent(ctx, f.provider, c.ID, dispute.EventInput{ActionType: dispute.ActionComment, Notes: ptr(note)})
		require.NoError(t, err)
	}

	events, err := svc.ListEvents(ctx, f.provider, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, dispute.ActionSystemNotice, events[0].ActionType)
	for i, note := range []string{"first", "second", "third"} {
		require.NotNil(t, events[i+1].Notes)
		assert.Equal(t, note, *events[i+1].Notes)
		assert.True(t, events[i+1].EventAt.Equal(at))
	}

	latest, err := svc.LatestEvents(ctx, []string{c.ID})
	require.NoError(t, err)
	require.NotNil(t, latest[c.ID].Notes)
	assert.Equal(t, "third", *latest[c.ID].Notes)
}
