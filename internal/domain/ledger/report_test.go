package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/ledger/internal/platform/staff"
)

// seedDay records a cash payment, a manual cash-in by a second cashier and an
// approved cash request disbursement, all on day0.
func (f *fixture) seedDay(t *testing.T) {
	t.Helper()
	inv := f.invoice(t, "100")
	f.pay(t, inv.ID, "60", PaymentMethodCash)
	_, err := f.svc.RecordCashTransaction(f.ctx, cashier2, RecordCashInput{Type: CashIn, Amount: money("20"), Description: "float top-up"})
	require.NoError(t, err)
	cr := f.cashRequest(t, nurse, "200")
	_, err = f.svc.ApproveCashRequest(f.ctx, manager, cr.ID, "")
	require.NoError(t, err)
}

func TestDailyCashSummary(t *testing.T) {
	f := newFixture(t)
	f.seedDay(t)

	f.clock.Advance(24 * time.Hour)
	_, err := f.svc.RecordCashTransaction(f.ctx, cashier, RecordCashInput{Type: CashIn, Amount: money("5"), Description: "next day"})
	require.NoError(t, err)

	sum, err := f.svc.DailyCashSummary(f.ctx, day0)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", sum.Date)
	assertMoney(t, "80", sum.CashIn)
	assertMoney(t, "200", sum.CashOut)
	assertMoney(t, "-120", sum.Net)
	assert.Equal(t, 3, sum.Count)
	assert.Len(t, sum.Transactions, 3)

	next, err := f.svc.DailyCashSummary(f.ctx, day0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assertMoney(t, "5", next.Net)
	assert.Equal(t, 1, next.Count)

	empty, err := f.svc.DailyCashSummary(f.ctx, day0.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
	assertMoney(t, "0", empty.Net)
	assert.NotNil(t, empty.Transactions)
}

func TestDailyCashSummary_ReportingZone(t *testing.T) {
	// 23:30 UTC on the 14th is already the 15th in UTC+10.
	f := newFixture(t, func(o *Options) { o.Location = time.FixedZone("UTC+10", 10*60*60) })
	f.clock.Advance(14*time.Hour + 30*time.Minute)
	_, err := f.svc.RecordCashTransaction(f.ctx, cashier, RecordCashInput{Type: CashIn, Amount: money("9"), Description: "late"})
	require.NoError(t, err)

	sum, err := f.svc.DailyCashSummary(f.ctx, time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", sum.Date)
	assert.Equal(t, 1, sum.Count)

	sum, err = f.svc.DailyCashSummary(f.ctx, day0)
	require.NoError(t, err)
	assert.Zero(t, sum.Count)
}

func TestCashierShiftReport(t *testing.T) {
	dir := staff.NewStatic(
		staff.Member{ID: cashier.ID, DisplayName: "Ada Obi", Active: true},
		staff.Member{ID: cashier2.ID, DisplayName: "Ben Ruiz", Active: true},
	)
	f := newFixture(t, func(o *Options) { o.Staff = dir })
	f.seedDay(t)

	rep, err := f.svc.CashierShiftReport(f.ctx, cashier.ID, day0)
	require.NoError(t, err)
	assert.Equal(t, "Ada Obi", rep.CashierName)
	assert.Equal(t, 1, rep.Count)
	assertMoney(t, "60", rep.CashIn)
	assertMoney(t, "0", rep.CashOut)

	rep, err = f.svc.CashierShiftReport(f.ctx, manager.ID, day0)
	require.NoError(t, err)
	assert.Equal(t, manager.ID, rep.CashierName, "unknown staff fall back to their id")
	assertMoney(t, "200", rep.CashOut)

	_, err = f.svc.CashierShiftReport(f.ctx, "", day0)
	assert.True(t, IsValidation(err))
}

func TestFinancialSummary(t *testing.T) {
	f := newFixture(t)
	f.seedDay(t)
	card := f.pay(t, f.invoice(t, "50").ID, "50", PaymentMethodCard)
	rf, err := f.svc.RequestRefund(f.ctx, cashier, RequestRefundInput{PaymentID: card.Payment.ID, Amount: money("10"), Reason: "duplicate charge"})
	require.NoError(t, err)
	_, err = f.svc.ApproveRefund(f.ctx, manager, rf.ID)
	require.NoError(t, err)

	sum, err := f.svc.FinancialSummary(f.ctx, day0, day0)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", sum.Start)
	assert.Equal(t, "2026-03-14", sum.End)
	require.Len(t, sum.PaymentsByMethod, 2)
	assert.Equal(t, PaymentMethodCard, sum.PaymentsByMethod[0].Method)
	assert.Equal(t, PaymentMethodCash, sum.PaymentsByMethod[1].Method)
	assert.Equal(t, 2, sum.PaymentCount)
	assertMoney(t, "110", sum.PaymentsTotal)
	assertMoney(t, "10", sum.RefundsApproved)
	assert.Equal(t, 1, sum.RefundCount)
	assertMoney(t, "100", sum.NetRevenue)
	assertMoney(t, "60", sum.CashInFromPayments)
	assertMoney(t, "20", sum.OtherCashIn)
	assertMoney(t, "80", sum.CashIn)
	assertMoney(t, "200", sum.CashOut)
	assertMoney(t, "-120", sum.NetCash)

	later, err := f.svc.FinancialSummary(f.ctx, day0.AddDate(0, 0, 1), day0.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Empty(t, later.PaymentsByMethod)
	assertMoney(t, "0", later.NetCash)

	_, err = f.svc.FinancialSummary(f.ctx, day0, day0.AddDate(0, 0, -1))
	assert.True(t, IsValidation(err))
}

func TestCheckConsistency(t *testing.T) {
	f := newFixture(t)
	f.seedDay(t)
	inv := f.invoice(t, "80")
	res := f.pay(t, inv.ID, "30", PaymentMethodCard)
	pending := f.cashRequest(t, nurse, "15")

	rep, err := f.svc.CheckConsistency(f.ctx)
	require.NoError(t, err)
	require.True(t, rep.OK(), "%+v", rep.Mismatches)
	assert.Equal(t, 2, rep.Invoices)
	assert.Equal(t, 2, rep.Payments)
	assert.Equal(t, 2, rep.Accounts)
	assert.Equal(t, 2, rep.CashRequests)

	// Tamper with stored state behind the service's back.
	tampered, err := f.store.Invoices.GetByID(f.ctx, inv.ID)
	require.NoError(t, err)
	tampered.PaidAmount = money("80")
	tampered.Balance = money("0")
	tampered.Status = InvoiceStatusPaid
	require.NoError(t, f.store.Invoices.UpdateState(f.ctx, tampered))

	_, err = f.store.Accounts.Adjust(f.ctx, res.Payment.PatientID, money("1"))
	require.NoError(t, err)

	require.NoError(t, f.store.Cash.Create(f.ctx, &CashTransaction{
		ID:            uuid.New(),
		CashierID:     cashier.ID,
		CashRequestID: &pending.ID,
		Type:          CashOut,
		Amount:        pending.Amount,
		Description:   "paid out early",
		Status:        CashTransactionCompleted,
		CreatedAt:     day0,
	}))

	rep, err = f.svc.CheckConsistency(f.ctx)
	require.NoError(t, err)
	assert.False(t, rep.OK())

	byEntity := map[string][]Mismatch{}
	for _, m := range rep.Mismatches {
		byEntity[m.Entity] = append(byEntity[m.Entity], m)
	}
	require.Len(t, byEntity["invoice"], 2, "%+v", byEntity["invoice"])
	assert.Equal(t, inv.ID.String(), byEntity["invoice"][0].ID)
	require.Len(t, byEntity["patient_account"], 1)
	assert.Contains(t, byEntity["patient_account"][0].Problem, "stored balance -29.00")
	require.Len(t, byEntity["cash_request"], 1)
	assert.Equal(t, pending.ID.String(), byEntity["cash_request"][0].ID)
	assert.Contains(t, byEntity["cash_request"][0].Problem, "PENDING request has 1 CASH_OUT")
}

func TestCheckConsistency_CashEntryForMissingRequest(t *testing.T) {
	f := newFixture(t)
	missing := uuid.New()
	orphan := &CashTransaction{
		ID:            uuid.New(),
		CashierID:     cashier.ID,
		CashRequestID: &missing,
		Type:          CashIn,
		Amount:        money("12"),
		Description:   "refers to a request that is gone",
		Status:        CashTransactionCompleted,
		CreatedAt:     day0,
	}
	require.NoError(t, f.store.Cash.Create(f.ctx, orphan))

	rep, err := f.svc.CheckConsistency(f.ctx)
	require.NoError(t, err)
	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, "cash_transaction", rep.Mismatches[0].Entity)
	assert.Equal(t, orphan.ID.String(), rep.Mismatches[0].ID)
	assert.Contains(t, rep.Mismatches[0].Problem, missing.String())
}

func TestReadSnapshot_DoesNotHoldOffWriters(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t, "50")

	err := f.store.Tx.InReadTx(f.ctx, func(ctx context.Context) error {
		// A payment commits on the outer context while the snapshot is open.
		f.pay(t, inv.ID, "50", PaymentMethodCash)

		seen, err := f.store.Invoices.GetByID(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, InvoiceStatusPending, seen.Status)
		assert.Empty(t, f.cashForCtx(t, ctx, CashTransactionQuery{}))

		return f.store.Cash.Create(ctx, &CashTransaction{
			ID:          uuid.New(),
			CashierID:   cashier.ID,
			Type:        CashIn,
			Amount:      money("1"),
			Description: "written inside a read snapshot",
			Status:      CashTransactionCompleted,
			CreatedAt:   day0,
		})
	})
	require.NoError(t, err)

	got, err := f.svc.GetInvoice(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceStatusPaid, got.Status)
	assert.Len(t, f.cashFor(t, CashTransactionQuery{}), 1, "snapshot writes must be discarded")

	rep, err := f.svc.CheckConsistency(f.ctx)
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%+v", rep.Mismatches)
}
