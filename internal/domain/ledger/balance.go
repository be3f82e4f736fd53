package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceState is the derived part of an invoice.
type InvoiceState struct {
	TotalAmount decimal.Decimal
	PaidAmount  decimal.Decimal
	Balance     decimal.Decimal
	Status      InvoiceStatus
}

// TotalOfCharges sums the line totals of charges.
func TotalOfCharges(charges []Charge) decimal.Decimal {
	total := decimal.Zero
	for _, c := range charges {
		total = total.Add(c.LineTotal)
	}
	return total
}

// LineTotal is quantity times unit price, rounded to cents.
func LineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
}

// NetPaid is the sum of completed payments minus the approved refunds
// recorded against those payments.
func NetPaid(payments []Payment, refunds []Refund) decimal.Decimal {
	completed := make(map[uuid.UUID]bool, len(payments))
	paid := decimal.Zero
	for _, p := range payments {
		if p.Status == PaymentStatusCompleted {
			completed[p.ID] = true
			paid = paid.Add(p.Amount)
		}
	}
	for _, r := range refunds {
		if r.Status == RefundStatusApproved && completed[r.PaymentID] {
			paid = paid.Sub(r.Amount)
		}
	}
	return paid
}

// ApprovedRefunded sums the approved refunds recorded against paymentID.
func ApprovedRefunded(paymentID uuid.UUID, refunds []Refund) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range refunds {
		if r.PaymentID == paymentID && r.Status == RefundStatusApproved {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

// ComputeInvoiceState derives paid amount, balance and status. It is the only
// place those fields are computed. A negative balance or negative paid amount
// is reported as an invariant violation instead of being clamped.
func ComputeInvoiceState(charges []Charge, payments []Payment, refunds []Refund, cancelled bool) (InvoiceState, error) {
	total := TotalOfCharges(charges)
	paid := NetPaid(payments, refunds)
	balance := total.Sub(paid)

	if paid.IsNegative() {
		return InvoiceState{}, invariantf("net paid %s is negative", paid.StringFixed(2))
	}
	if balance.IsNegative() {
		return InvoiceState{}, invariantf("balance %s is negative (total %s, paid %s)",
			balance.StringFixed(2), total.StringFixed(2), paid.StringFixed(2))
	}

	st := InvoiceState{TotalAmount: total, PaidAmount: paid, Balance: balance}
	switch {
	case cancelled:
		st.Status = InvoiceStatusCancelled
	case balance.IsZero():
		st.Status = InvoiceStatusPaid
	case paid.IsPositive():
		st.Status = InvoiceStatusPartial
	default:
		st.Status = InvoiceStatusPending
	}
	return st, nil
}

// ComputeAccountBalance derives a patient account balance: every net paid
// amount moves the balance down, so a patient in credit has a negative balance.
func ComputeAccountBalance(payments []Payment, refunds []Refund) decimal.Decimal {
	return NetPaid(payments, refunds).Neg()
}

// Apply copies the derived state onto inv.
func (st InvoiceState) Apply(inv *Invoice) {
	inv.TotalAmount = st.TotalAmount
	inv.PaidAmount = st.PaidAmount
	inv.Balance = st.Balance
	inv.Status = st.Status
}

// validMoney reports whether d is a positive amount with at most two decimals.
func validMoney(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(2))
}
