package recurring

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindSubscriptionCreated   Kind = "subscription-created"
	KindSubscriptionCancelled Kind = "subscription-cancelled"
	KindSubscriptionExpired   Kind = "subscription-expired"
	KindPaymentCompleted      Kind = "payment-completed"
	KindPaymentFailed         Kind = "payment-failed"
	KindIgnored               Kind = "ignored"
)

// Notification keys read by the reconciler.
const (
	FieldTxnType           = "txn_type"
	FieldTxnID             = "txn_id"
	FieldPaymentStatus     = "payment_status"
	FieldGross             = "mc_gross"
	FieldAmount            = "amount"
	FieldPaymentGross      = "payment_gross"
	FieldCurrency          = "mc_currency"
	FieldCurrencyCode      = "currency_code"
	FieldPaymentDate       = "payment_date"
	FieldToken             = "rp_invoice_id"
	FieldSubscriptionID    = "recurring_payment_id"
	FieldPaymentInstrument = "payment_instrument"
	FieldTestIPN           = "test_ipn"
)

// PayPal reports payment_date in Pacific time, e.g. "03:59:05 Jul 14, 2013 PDT".
var (
	paypalLocation     = mustLoadLocation("America/Los_Angeles")
	paymentDateLayouts = []string{
		"15:04:05 Jan 02, 2006 MST",
		"15:04:05 Jan 2, 2006 MST",
		time.RFC3339,
	}
)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Notification is one inbound gateway message. Fields is never mutated after
// the notification is built.
type Notification struct {
	Fields      map[string]string
	ProcessorID int64
	ReceivedAt  time.Time
}

func NewNotification(fields map[string]string, processorID int64, receivedAt time.Time) Notification {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Notification{Fields: cp, ProcessorID: processorID, ReceivedAt: receivedAt}
}

func (n Notification) Get(key string) string {
	return strings.TrimSpace(n.Fields[key])
}

func (n Notification) first(keys ...string) string {
	for _, k := range keys {
		if v := n.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func (n Notification) TxnType() string        { return n.Get(FieldTxnType) }
func (n Notification) TxnID() string          { return n.Get(FieldTxnID) }
func (n Notification) PaymentStatus() string  { return n.Get(FieldPaymentStatus) }
func (n Notification) Token() string          { return n.Get(FieldToken) }
func (n Notification) SubscriptionID() string { return n.Get(FieldSubscriptionID) }
func (n Notification) Currency() string {
	return strings.ToUpper(n.first(FieldCurrency, FieldCurrencyCode))
}

// Gross returns the payment amount. ok is false when the notification carries none.
func (n Notification) Gross() (amount decimal.Decimal, ok bool, err error) {
	raw := n.first(FieldGross, FieldAmount, FieldPaymentGross)
	if raw == "" {
		return decimal.Zero, false, nil
	}
	amount, err = decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return amount, true, nil
}

// PaymentDate parses payment_date, falling back to the receipt time.
func (n Notification) PaymentDate() (time.Time, error) {
	raw := n.Get(FieldPaymentDate)
	if raw == "" {
		return n.ReceivedAt.UTC(), nil
	}
	return ParsePaymentDate(raw)
}

func ParsePaymentDate(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range paymentDateLayouts {
		t, err := time.ParseInLocation(layout, raw, paypalLocation)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("invalid payment_date %q: %w", raw, lastErr)
}

var failedPaymentStatuses = map[string]bool{
	"Failed": true,
	"Denied": true,
	"Voided": true,
}

// Classify maps a notification to the transition it asks for. Anything it
// cannot act on (unknown txn_type, missing token or txn_id, unparseable
// amount or date) is KindIgnored.
func Classify(n Notification) Kind {
	if n.Token() == "" {
		return KindIgnored
	}

	var kind Kind
	switch n.TxnType() {
	case "recurring_payment_profile_created":
		kind = KindSubscriptionCreated
	case "recurring_payment_profile_cancel":
		kind = KindSubscriptionCancelled
	case "recurring_payment_expired":
		kind = KindSubscriptionExpired
	case "recurring_payment_failed", "recurring_payment_suspended_due_to_max_failed_payment":
		kind = KindPaymentFailed
	case "recurring_payment":
		switch status := n.PaymentStatus(); {
		case status == "Completed":
			kind = KindPaymentCompleted
		case failedPaymentStatuses[status]:
			kind = KindPaymentFailed
		default:
			return KindIgnored
		}
	default:
		return KindIgnored
	}

	if _, err := n.PaymentDate(); err != nil {
		return KindIgnored
	}

	if kind == KindPaymentCompleted {
		if n.TxnID() == "" {
			return KindIgnored
		}
		if _, _, err := n.Gross(); err != nil {
			return KindIgnored
		}
	}

	return kind
}

var normalizedFields = []string{
	FieldTxnType,
	FieldTxnID,
	FieldPaymentStatus,
	FieldCurrency,
	FieldPaymentDate,
	FieldToken,
	FieldSubscriptionID,
	FieldPaymentInstrument,
	FieldTestIPN,
}

// Normalize reduces a notification to the trimmed fields the reconciler reads,
// with the gross amount and currency under their canonical keys. Replaying the
// result through Classify and Process behaves like the original notification.
func Normalize(n Notification) map[string]string {
	out := make(map[string]string, len(normalizedFields)+1)
	for _, k := range normalizedFields {
		if v := n.Get(k); v != "" {
			out[k] = v
		}
	}
	if c := n.Currency(); c != "" {
		out[FieldCurrency] = c
	}
	if g := n.first(FieldGross, FieldAmount, FieldPaymentGross); g != "" {
		out[FieldGross] = g
	}
	return out
}
