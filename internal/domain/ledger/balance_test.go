package ledger

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func charges(amounts ...string) []Charge {
	out := make([]Charge, 0, len(amounts))
	for _, a := range amounts {
		out = append(out, Charge{Quantity: 1, UnitPrice: money(a), LineTotal: money(a)})
	}
	return out
}

func TestLineTotal(t *testing.T) {
	assertMoney(t, "37.50", LineTotal(3, money("12.50")))
	assertMoney(t, "0.00", LineTotal(4, money("0")))
	assertMoney(t, "0.67", LineTotal(1, money("0.666")))
}

func TestComputeInvoiceState(t *testing.T) {
	p1 := Payment{ID: uuid.New(), Amount: money("60"), Status: PaymentStatusCompleted}
	p2 := Payment{ID: uuid.New(), Amount: money("40"), Status: PaymentStatusCompleted}
	refunded := Payment{ID: uuid.New(), Amount: money("25"), Status: PaymentStatusRefunded}

	tests := []struct {
		name       string
		payments   []Payment
		refunds    []Refund
		cancelled  bool
		wantPaid   string
		wantStatus InvoiceStatus
	}{
		{"no payments", nil, nil, false, "0", InvoiceStatusPending},
		{"partial", []Payment{p1}, nil, false, "60", InvoiceStatusPartial},
		{"paid", []Payment{p1, p2}, nil, false, "100", InvoiceStatusPaid},
		{"approved refund reopens", []Payment{p1, p2}, []Refund{{PaymentID: p1.ID, Amount: money("30"), Status: RefundStatusApproved}}, false, "70", InvoiceStatusPartial},
		{"pending refund ignored", []Payment{p1}, []Refund{{PaymentID: p1.ID, Amount: money("30"), Status: RefundStatusPending}}, false, "60", InvoiceStatusPartial},
		{"rejected refund ignored", []Payment{p1}, []Refund{{PaymentID: p1.ID, Amount: money("30"), Status: RefundStatusRejected}}, false, "60", InvoiceStatusPartial},
		{"refunded payment excluded", []Payment{refunded}, []Refund{{PaymentID: refunded.ID, Amount: money("25"), Status: RefundStatusApproved}}, false, "0", InvoiceStatusPending},
		{"cancelled overrides", nil, nil, true, "0", InvoiceStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := ComputeInvoiceState(charges("60", "40"), tt.payments, tt.refunds, tt.cancelled)
			require.NoError(t, err)
			assertMoney(t, "100", st.TotalAmount)
			assertMoney(t, tt.wantPaid, st.PaidAmount)
			assert.True(t, st.Balance.Equal(st.TotalAmount.Sub(st.PaidAmount)), "balance must equal total minus paid")
			assert.Equal(t, tt.wantStatus, st.Status)
		})
	}
}

func TestComputeInvoiceState_InvariantViolations(t *testing.T) {
	over := Payment{ID: uuid.New(), Amount: money("150"), Status: PaymentStatusCompleted}
	_, err := ComputeInvoiceState(charges("100"), []Payment{over}, nil, false)
	require.Error(t, err)
	assert.Equal(t, CodeInvariantViolation, CodeOf(err))
	assert.Equal(t, KindInternal, KindOf(err))

	small := Payment{ID: uuid.New(), Amount: money("10"), Status: PaymentStatusCompleted}
	_, err = ComputeInvoiceState(charges("100"), []Payment{small}, []Refund{{PaymentID: small.ID, Amount: money("20"), Status: RefundStatusApproved}}, false)
	require.Error(t, err)
	assert.Equal(t, CodeInvariantViolation, CodeOf(err))
}

func TestComputeAccountBalance(t *testing.T) {
	p := Payment{ID: uuid.New(), Amount: money("50"), Status: PaymentStatusCompleted}
	assertMoney(t, "-50", ComputeAccountBalance([]Payment{p}, nil))
	assertMoney(t, "-20", ComputeAccountBalance([]Payment{p}, []Refund{{PaymentID: p.ID, Amount: money("30"), Status: RefundStatusApproved}}))
	assertMoney(t, "0", ComputeAccountBalance(nil, nil))
}

func TestApprovedRefunded(t *testing.T) {
	id := uuid.New()
	refunds := []Refund{
		{PaymentID: id, Amount: money("10"), Status: RefundStatusApproved},
		{PaymentID: id, Amount: money("5"), Status: RefundStatusPending},
		{PaymentID: uuid.New(), Amount: money("7"), Status: RefundStatusApproved},
		{PaymentID: id, Amount: money("2.50"), Status: RefundStatusApproved},
	}
	assertMoney(t, "12.50", ApprovedRefunded(id, refunds))
}

func TestValidMoney(t *testing.T) {
	assert.True(t, validMoney(money("0.01")))
	assert.True(t, validMoney(money("100")))
	assert.False(t, validMoney(money("0")))
	assert.False(t, validMoney(money("-1")))
	assert.False(t, validMoney(money("1.005")))
}
