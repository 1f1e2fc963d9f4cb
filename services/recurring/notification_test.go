package recurring

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParsePaymentDate(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Time
	}{
		{"03:59:05 Jul 14, 2013 PDT", time.Date(2013, time.July, 14, 10, 59, 5, 0, time.UTC)},
		{"03:59:05 Dec 24, 2015 PST", time.Date(2015, time.December, 24, 11, 59, 5, 0, time.UTC)},
		{"12:39:01 May 9, 2018 PDT", time.Date(2018, time.May, 9, 19, 39, 1, 0, time.UTC)},
		{"2020-01-02T03:04:05Z", time.Date(2020, time.January, 2, 3, 4, 5, 0, time.UTC)},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParsePaymentDate(tc.raw)
			require.NoError(t, err)
			require.True(t, got.Equal(tc.want), "got %s", got)
			require.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := ParsePaymentDate("yesterday")
	require.Error(t, err)
}

func TestPaymentDateFallsBackToReceivedAt(t *testing.T) {
	received := time.Date(2024, time.March, 1, 8, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	n := NewNotification(map[string]string{}, 1, received)

	got, err := n.PaymentDate()
	require.NoError(t, err)
	require.True(t, got.Equal(received))
	require.Equal(t, time.UTC, got.Location())
}

func TestClassify(t *testing.T) {
	base := recurTransaction()

	cases := []struct {
		name   string
		fields map[string]string
		want   Kind
	}{
		{"completed payment", base, KindPaymentCompleted},
		{"failed payment", withFields(base, "txn_type", "recurring_payment_failed"), KindPaymentFailed},
		{"suspended", withFields(base, "txn_type", "recurring_payment_suspended_due_to_max_failed_payment"), KindPaymentFailed},
		{"denied status", withFields(base, "payment_status", "Denied"), KindPaymentFailed},
		{"voided status", withFields(base, "payment_status", "Voided"), KindPaymentFailed},
		{"pending status", withFields(base, "payment_status", "Pending"), KindIgnored},
		{"profile created", withFields(base, "txn_type", "recurring_payment_profile_created"), KindSubscriptionCreated},
		{"profile cancel", withFields(base, "txn_type", "recurring_payment_profile_cancel"), KindSubscriptionCancelled},
		{"expired", withFields(base, "txn_type", "recurring_payment_expired"), KindSubscriptionExpired},
		{"express checkout", withFields(base, "txn_type", "express_checkout"), KindIgnored},
		{"missing token", withFields(base, "rp_invoice_id", ""), KindIgnored},
		{"missing txn id", withFields(base, "txn_id", " "), KindIgnored},
		{"bad amount", withFields(base, "mc_gross", "fifteen"), KindIgnored},
		{"bad date", withFields(base, "payment_date", "soon"), KindIgnored},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := NewNotification(tc.fields, 1, time.Now())
			require.Equal(t, tc.want, Classify(n))
		})
	}
}

func TestNotificationGross(t *testing.T) {
	n := NewNotification(map[string]string{"amount": "6.00"}, 1, time.Now())
	gross, ok, err := n.Gross()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, gross.Equal(decimal.RequireFromString("6")))

	n = NewNotification(map[string]string{}, 1, time.Now())
	_, ok, err = n.Gross()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewNotificationCopiesFields(t *testing.T) {
	fields := map[string]string{"txn_id": "A"}
	n := NewNotification(fields, 1, time.Now())
	fields["txn_id"] = "B"
	require.Equal(t, "A", n.TxnID())
}

func TestNormalize(t *testing.T) {
	fields := withFields(recurTransaction(), "mc_currency", "usd", "mc_fee", "0.63", "payer_email", "someone@example.com")
	n := NewNotification(fields, 1, time.Now())

	out := Normalize(n)
	require.Equal(t, "USD", out[FieldCurrency])
	require.Equal(t, "15.00", out[FieldGross])
	require.Equal(t, "8XA571746W2698126", out[FieldTxnID])
	require.NotContains(t, out, "mc_fee")
	require.NotContains(t, out, "payer_email")

	replayed := NewNotification(out, 1, time.Now())
	require.Equal(t, Classify(n), Classify(replayed))
	d1, _ := n.PaymentDate()
	d2, _ := replayed.PaymentDate()
	require.True(t, d1.Equal(d2))
}
