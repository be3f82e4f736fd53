package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/ledger/internal/platform/staff"
)

const dateLayout = "2006-01-02"

// CashSummary totals the cash ledger for one calendar day.
type CashSummary struct {
	Date         string             `json:"date"`
	CashierID    string             `json:"cashier_id,omitempty"`
	CashierName  string             `json:"cashier_name,omitempty"`
	CashIn       decimal.Decimal    `json:"cash_in"`
	CashOut      decimal.Decimal    `json:"cash_out"`
	Net          decimal.Decimal    `json:"net"`
	Count        int                `json:"count"`
	Transactions []*CashTransaction `json:"transactions"`
}

func (s *Service) cashSummary(ctx context.Context, date time.Time, cashierID string) (*CashSummary, error) {
	from, to := s.dayBounds(date)
	txs, _, err := s.store.Cash.List(ctx, CashTransactionQuery{CashierID: cashierID, From: &from, To: &to})
	if err != nil {
		return nil, err
	}
	sum := &CashSummary{
		Date:         from.Format(dateLayout),
		CashierID:    cashierID,
		CashIn:       decimal.Zero,
		CashOut:      decimal.Zero,
		Count:        len(txs),
		Transactions: txs,
	}
	if sum.Transactions == nil {
		sum.Transactions = []*CashTransaction{}
	}
	for _, t := range txs {
		switch t.Type {
		case CashIn:
			sum.CashIn = sum.CashIn.Add(t.Amount)
		case CashOut:
			sum.CashOut = sum.CashOut.Add(t.Amount)
		}
	}
	sum.Net = sum.CashIn.Sub(sum.CashOut)
	return sum, nil
}

// DailyCashSummary sums every cash movement on date's calendar day in the
// reporting time zone.
func (s *Service) DailyCashSummary(ctx context.Context, date time.Time) (*CashSummary, error) {
	return s.cashSummary(ctx, date, "")
}

// CashierShiftReport is DailyCashSummary restricted to one cashier.
func (s *Service) CashierShiftReport(ctx context.Context, cashierID string, date time.Time) (*CashSummary, error) {
	if cashierID == "" {
		return nil, validationf("cashier_id is required")
	}
	sum, err := s.cashSummary(ctx, date, cashierID)
	if err != nil {
		return nil, err
	}
	sum.CashierName = staff.DisplayName(ctx, s.staff, cashierID)
	return sum, nil
}

// FinancialSummary combines invoice payments with the cash ledger over a
// range of calendar days, both ends inclusive. Cash-in that came from a
// payment is reported separately so it is not counted twice.
type FinancialSummary struct {
	Start              string          `json:"start"`
	End                string          `json:"end"`
	PaymentsByMethod   []MethodTotal   `json:"payments_by_method"`
	PaymentsTotal      decimal.Decimal `json:"payments_total"`
	PaymentCount       int             `json:"payment_count"`
	RefundsApproved    decimal.Decimal `json:"refunds_approved"`
	RefundCount        int             `json:"refund_count"`
	NetRevenue         decimal.Decimal `json:"net_revenue"`
	CashIn             decimal.Decimal `json:"cash_in"`
	CashInFromPayments decimal.Decimal `json:"cash_in_from_payments"`
	OtherCashIn        decimal.Decimal `json:"other_cash_in"`
	CashOut            decimal.Decimal `json:"cash_out"`
	NetCash            decimal.Decimal `json:"net_cash"`
}

func (s *Service) FinancialSummary(ctx context.Context, start, end time.Time) (*FinancialSummary, error) {
	from, _ := s.dayBounds(start)
	last, to := s.dayBounds(end)
	if last.Before(from) {
		return nil, validationf("end date %s is before start date %s", last.Format(dateLayout), from.Format(dateLayout))
	}

	sum := &FinancialSummary{
		Start:              from.Format(dateLayout),
		End:                last.Format(dateLayout),
		PaymentsTotal:      decimal.Zero,
		CashIn:             decimal.Zero,
		CashInFromPayments: decimal.Zero,
		OtherCashIn:        decimal.Zero,
		CashOut:            decimal.Zero,
	}
	err := s.inReadTx(ctx, func(ctx context.Context) error {
		totals, err := s.store.Payments.TotalsByMethod(ctx, from, to)
		if err != nil {
			return err
		}
		sum.PaymentsByMethod = totals
		for _, t := range totals {
			sum.PaymentsTotal = sum.PaymentsTotal.Add(t.Amount)
			sum.PaymentCount += t.Count
		}
		if sum.RefundsApproved, sum.RefundCount, err = s.store.Refunds.ApprovedTotal(ctx, from, to); err != nil {
			return err
		}
		txs, _, err := s.store.Cash.List(ctx, CashTransactionQuery{From: &from, To: &to})
		if err != nil {
			return err
		}
		for _, t := range txs {
			switch {
			case t.Type == CashOut:
				sum.CashOut = sum.CashOut.Add(t.Amount)
			case t.PaymentID != nil:
				sum.CashInFromPayments = sum.CashInFromPayments.Add(t.Amount)
			default:
				sum.OtherCashIn = sum.OtherCashIn.Add(t.Amount)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if sum.PaymentsByMethod == nil {
		sum.PaymentsByMethod = []MethodTotal{}
	}
	sum.NetRevenue = sum.PaymentsTotal.Sub(sum.RefundsApproved)
	sum.CashIn = sum.CashInFromPayments.Add(sum.OtherCashIn)
	sum.NetCash = sum.CashIn.Sub(sum.CashOut)
	return sum, nil
}

// Mismatch is one finding of CheckConsistency.
type Mismatch struct {
	Entity  string `json:"entity"`
	ID      string `json:"id"`
	Problem string `json:"problem"`
}

type ConsistencyReport struct {
	CheckedAt    time.Time  `json:"checked_at"`
	Invoices     int        `json:"invoices"`
	Payments     int        `json:"payments"`
	Accounts     int        `json:"accounts"`
	CashRequests int        `json:"cash_requests"`
	Mismatches   []Mismatch `json:"mismatches"`
}

func (r *ConsistencyReport) OK() bool { return len(r.Mismatches) == 0 }

func (r *ConsistencyReport) add(entity string, id uuid.UUID, format string, args ...interface{}) {
	r.Mismatches = append(r.Mismatches, Mismatch{Entity: entity, ID: id.String(), Problem: fmt.Sprintf(format, args...)})
}

// CheckConsistency re-derives every stored balance and cross-checks the
// workflows against the cash ledger. It reads one read-only snapshot and
// writes nothing.
func (s *Service) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	rep := &ConsistencyReport{CheckedAt: s.now(), Mismatches: []Mismatch{}}
	err := s.inReadTx(ctx, func(ctx context.Context) error {
		if err := s.checkInvoices(ctx, rep); err != nil {
			return err
		}
		if err := s.checkAccounts(ctx, rep); err != nil {
			return err
		}
		return s.checkCashRequests(ctx, rep)
	})
	if err != nil {
		return nil, err
	}
	ev := s.log.Info()
	if !rep.OK() {
		ev = s.log.Error()
	}
	ev.Int("invoices", rep.Invoices).Int("accounts", rep.Accounts).Int("cash_requests", rep.CashRequests).
		Int("mismatches", len(rep.Mismatches)).Msg("consistency check finished")
	return rep, nil
}

func (s *Service) checkInvoices(ctx context.Context, rep *ConsistencyReport) error {
	invoices, _, err := s.store.Invoices.List(ctx, InvoiceQuery{})
	if err != nil {
		return err
	}
	rep.Invoices = len(invoices)
	for _, inv := range invoices {
		payments, refunds, err := s.invoiceHistory(ctx, inv.ID)
		if err != nil {
			return err
		}
		st, err := ComputeInvoiceState(inv.Charges, payments, refunds, inv.Status == InvoiceStatusCancelled)
		if err != nil {
			rep.add("invoice", inv.ID, "%v", err)
		} else {
			if !st.TotalAmount.Equal(inv.TotalAmount) {
				rep.add("invoice", inv.ID, "total %s, charges sum to %s", inv.TotalAmount.StringFixed(2), st.TotalAmount.StringFixed(2))
			}
			if !st.PaidAmount.Equal(inv.PaidAmount) || !st.Balance.Equal(inv.Balance) {
				rep.add("invoice", inv.ID, "stored paid/balance %s/%s, derived %s/%s",
					inv.PaidAmount.StringFixed(2), inv.Balance.StringFixed(2), st.PaidAmount.StringFixed(2), st.Balance.StringFixed(2))
			}
			if st.Status != inv.Status {
				rep.add("invoice", inv.ID, "stored status %s, derived %s", inv.Status, st.Status)
			}
		}
		for _, p := range payments {
			rep.Payments++
			if err := s.checkPayment(ctx, rep, p, refunds); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) checkPayment(ctx context.Context, rep *ConsistencyReport, p Payment, refunds []Refund) error {
	refunded := ApprovedRefunded(p.ID, refunds)
	if refunded.GreaterThan(p.Amount) {
		rep.add("payment", p.ID, "approved refunds %s exceed amount %s", refunded.StringFixed(2), p.Amount.StringFixed(2))
	}
	if p.Status == PaymentStatusRefunded && !refunded.Equal(p.Amount) {
		rep.add("payment", p.ID, "marked REFUNDED with only %s of %s refunded", refunded.StringFixed(2), p.Amount.StringFixed(2))
	}
	if p.Method != PaymentMethodCash {
		return nil
	}
	entries, err := s.originalEntries(ctx, CashTransactionQuery{PaymentID: uuidPtr(p.ID), Type: CashIn})
	if err != nil {
		return err
	}
	if entries != 1 {
		rep.add("payment", p.ID, "cash payment has %d CASH_IN entries, expected 1", entries)
	}
	return nil
}

func (s *Service) checkAccounts(ctx context.Context, rep *ConsistencyReport) error {
	accounts, _, err := s.store.Accounts.List(ctx, 0, 0)
	if err != nil {
		return err
	}
	rep.Accounts = len(accounts)
	for _, a := range accounts {
		payments, err := s.store.Payments.ListByPatient(ctx, a.PatientID)
		if err != nil {
			return err
		}
		refunds, err := s.store.Refunds.ListByPatient(ctx, a.PatientID)
		if err != nil {
			return err
		}
		if want := ComputeAccountBalance(payments, refunds); !want.Equal(a.Balance) {
			rep.add("patient_account", a.ID, "stored balance %s, derived %s", a.Balance.StringFixed(2), want.StringFixed(2))
		}
	}
	return nil
}

func (s *Service) checkCashRequests(ctx context.Context, rep *ConsistencyReport) error {
	requests, _, err := s.store.CashRequests.List(ctx, CashRequestQuery{})
	if err != nil {
		return err
	}
	rep.CashRequests = len(requests)
	known := make(map[uuid.UUID]struct{}, len(requests))
	for _, cr := range requests {
		known[cr.ID] = struct{}{}
		entries, err := s.originalEntries(ctx, CashTransactionQuery{CashRequestID: uuidPtr(cr.ID), Type: CashOut})
		if err != nil {
			return err
		}
		want := 0
		if cr.Status == CashRequestApproved || cr.Status == CashRequestCompleted {
			want = 1
		}
		if entries != want {
			rep.add("cash_request", cr.ID, "%s request has %d CASH_OUT entries, expected %d", cr.Status, entries, want)
		}
	}

	txs, _, err := s.store.Cash.List(ctx, CashTransactionQuery{})
	if err != nil {
		return err
	}
	for _, t := range txs {
		if t.CashRequestID == nil {
			continue
		}
		if _, ok := known[*t.CashRequestID]; !ok {
			rep.add("cash_transaction", t.ID, "references missing cash request %s", *t.CashRequestID)
		}
	}
	return nil
}

// originalEntries counts matching cash entries that are not reversals.
func (s *Service) originalEntries(ctx context.Context, q CashTransactionQuery) (int, error) {
	txs, _, err := s.store.Cash.List(ctx, q)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range txs {
		if t.ReversalOf == nil {
			n++
		}
	}
	return n, nil
}
