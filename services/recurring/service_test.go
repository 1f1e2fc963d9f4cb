package recurring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-recurring/pkg/config"
	"smallbiznis-recurring/pkg/db/option"
	"smallbiznis-recurring/pkg/lock"
	"smallbiznis-recurring/pkg/repository"
	"smallbiznis-recurring/services/membership"
	"smallbiznis-recurring/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const (
	contactID      snowflake.ID = 1
	agreementID    snowflake.ID = 100
	contributionID snowflake.ID = 200
	membershipID   snowflake.ID = 300
	processorID    int64        = 1
)

type repoMock[T any] struct {
	withTrxFn     func(tx *gorm.DB) repository.Repository[T]
	findFn        func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn     func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn      func(ctx context.Context, resource *T) error
	updateFn      func(ctx context.Context, resourceID string, resource any) error
	batchCreateFn func(ctx context.Context, resources []*T) error
	batchUpdateFn func(ctx context.Context, resources []*T) error
	countFn       func(ctx context.Context, query *T) (int64, error)
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if m.batchCreateFn != nil {
		return m.batchCreateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	if m.batchUpdateFn != nil {
		return m.batchUpdateFn(ctx, resources)
	}
	return nil
}

func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, query)
	}
	return 0, nil
}

type fixture struct {
	t   *testing.T
	db  *gorm.DB
	svc *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{
		Processors: []config.Processor{{ID: processorID, Name: "PayPal Pro", Type: "PayPal"}},
	}

	svc := NewService(Params{
		DB:          db,
		Node:        node,
		Config:      cfg,
		Locker:      lock.NewLocal(time.Second),
		Memberships: membership.NewService(membership.Params{DB: db, Node: node}),
	})

	return &fixture{t: t, db: db, svc: svc}
}

// seed creates a Pending $15/month agreement with its placeholder contribution.
func (f *fixture) seed(mutate ...func(a *Agreement)) {
	f.t.Helper()

	a := &Agreement{
		ID:                 agreementID,
		ContactID:          contactID,
		Status:             AgreementPending,
		ProcessorID:        "I-8XHAKBG12SFP",
		PaymentProcessorID: processorID,
		Currency:           "USD",
		Amount:             decimal.RequireFromString("15.00"),
		FrequencyUnit:      membership.UnitMonth,
		FrequencyInterval:  1,
		FinancialTypeID:    1,
		PaymentInstrument:  "Debit Card",
		StartDate:          time.Date(2013, time.July, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, m := range mutate {
		m(a)
	}
	require.NoError(f.t, f.db.Create(a).Error)

	recurID := agreementID
	require.NoError(f.t, f.db.Create(&Contribution{
		ID:                  contributionID,
		ContactID:           contactID,
		ContributionRecurID: &recurID,
		Status:              ContributionPending,
		TotalAmount:         decimal.RequireFromString("15.00"),
		Currency:            "USD",
		FinancialTypeID:     1,
		PaymentInstrument:   "Credit Card",
	}).Error)
}

func (f *fixture) agreement() *Agreement {
	f.t.Helper()
	var a Agreement
	require.NoError(f.t, f.db.First(&a, "id = ?", agreementID).Error)
	return &a
}

func (f *fixture) contributions() []Contribution {
	f.t.Helper()
	var out []Contribution
	require.NoError(f.t, f.db.Where("contribution_recur_id = ?", agreementID).Order("id asc").Find(&out).Error)
	return out
}

func (f *fixture) process(fields map[string]string) (*Result, error) {
	return f.svc.Process(context.Background(), NewNotification(fields, processorID, time.Now()))
}

func recurTransaction() map[string]string {
	return map[string]string{
		"amount":               "15.00",
		"payment_gross":        "15.00",
		"currency_code":        "USD",
		"payment_cycle":        "Monthly",
		"txn_type":             "recurring_payment",
		"mc_currency":          "USD",
		"amount_per_cycle":     "15.00",
		"mc_gross":             "15.00",
		"payment_date":         "03:59:05 Jul 14, 2013 PDT",
		"rp_invoice_id":        fmt.Sprintf("i=xyz&m=contribute&c=%d&r=%d&b=%d&p=null", contactID, agreementID, contributionID),
		"payment_status":       "Completed",
		"txn_id":               "8XA571746W2698126",
		"mc_fee":               "0.63",
		"payment_type":         "instant",
		"recurring_payment_id": "I-8XHAKBG12SFP",
		"next_payment_date":    "03:00:00 Aug 14, 2013 PDT",
	}
}

func withFields(base map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

var paymentDate = time.Date(2013, time.July, 14, 10, 59, 5, 0, time.UTC)

func TestProcessRecurringPaymentSuccess(t *testing.T) {
	f := newFixture(t)
	f.seed()

	res, err := f.process(recurTransaction())
	require.NoError(t, err)
	require.Equal(t, KindPaymentCompleted, res.Kind)
	require.Equal(t, OutcomeApplied, res.Outcome)
	require.Equal(t, contributionID, res.ContributionID)

	contribs := f.contributions()
	require.Len(t, contribs, 1)
	first := contribs[0]
	require.Equal(t, ContributionCompleted, first.Status)
	require.NotNil(t, first.TrxnID)
	require.Equal(t, "8XA571746W2698126", *first.TrxnID)
	require.True(t, strings.HasPrefix(first.Source, "Online Contribution:"), first.Source)
	require.True(t, first.ReceiveDate.Equal(paymentDate))

	// the gateway retries the same notification
	res, err = f.process(recurTransaction())
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)
	require.ErrorIs(t, res.Cause, ErrDuplicateTransaction)
	require.Len(t, f.contributions(), 1)
	require.Equal(t, AgreementInProgress, f.agreement().Status)

	res, err = f.process(withFields(recurTransaction(), "txn_id", "second-one"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	contribs = f.contributions()
	require.Len(t, contribs, 2)
	second := contribs[1]
	require.Equal(t, "second-one", *second.TrxnID)
	require.Equal(t, ContributionCompleted, second.Status)
	require.Equal(t, "Debit Card", second.PaymentInstrument)
	require.True(t, second.TotalAmount.Equal(decimal.RequireFromString("15.00")))

	a := f.agreement()
	require.Equal(t, AgreementInProgress, a.Status)
	require.Equal(t, "second-one", *a.LastTrxnID)

	var items []LineItem
	require.NoError(t, f.db.Where("contribution_id = ?", second.ID).Find(&items).Error)
	require.Len(t, items, 1)
	require.Equal(t, EntityContribution, items[0].EntityTable)
	require.Equal(t, second.ID, items[0].EntityID)
}

func TestProcessReplayAndNextCycle(t *testing.T) {
	f := newFixture(t)
	f.seed()

	abc := withFields(recurTransaction(), "txn_id", "ABC123", "mc_gross", "15.00")
	_, err := f.process(abc)
	require.NoError(t, err)

	// a replay with a drifted payload must not touch the canonical row
	drifted := withFields(abc, "mc_gross", "99.00", "payment_date", "01:00:00 Aug 01, 2013 PDT")
	res, err := f.process(drifted)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, res.Outcome)

	contribs := f.contributions()
	require.Len(t, contribs, 1)
	require.Equal(t, "ABC123", *contribs[0].TrxnID)
	require.True(t, contribs[0].TotalAmount.Equal(decimal.RequireFromString("15.00")))
	require.True(t, contribs[0].ReceiveDate.Equal(paymentDate))

	_, err = f.process(withFields(abc, "txn_id", "XYZ789"))
	require.NoError(t, err)

	contribs = f.contributions()
	require.Len(t, contribs, 2)
	require.Equal(t, ContributionCompleted, contribs[1].Status)
	require.Equal(t, "XYZ789", *contribs[1].TrxnID)
	require.Equal(t, AgreementInProgress, f.agreement().Status)
}

func TestProcessFailedThenCompleted(t *testing.T) {
	f := newFixture(t)
	f.seed()

	res, err := f.process(withFields(recurTransaction(), "txn_type", "recurring_payment_failed"))
	require.NoError(t, err)
	require.Equal(t, KindPaymentFailed, res.Kind)
	require.Equal(t, OutcomeApplied, res.Outcome)

	contribs := f.contributions()
	require.Len(t, contribs, 1)
	require.Equal(t, ContributionFailed, contribs[0].Status)
	require.Nil(t, contribs[0].TrxnID)

	a := f.agreement()
	require.Equal(t, AgreementFailed, a.Status)
	require.Equal(t, 1, a.FailureCount)
	require.Nil(t, a.LastTrxnID)

	_, err = f.process(withFields(recurTransaction(), "txn_id", "second-one"))
	require.NoError(t, err)

	contribs = f.contributions()
	require.Len(t, contribs, 1)
	require.Equal(t, "second-one", *contribs[0].TrxnID)
	require.Equal(t, ContributionCompleted, contribs[0].Status)
	require.True(t, contribs[0].ReceiveDate.Equal(paymentDate))

	a = f.agreement()
	require.Equal(t, AgreementInProgress, a.Status)
	require.Zero(t, a.FailureCount)
}

func TestProcessFailedPaymentStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(func(a *Agreement) { a.Status = AgreementInProgress })

	res, err := f.process(withFields(recurTransaction(), "payment_status", "Denied"))
	require.NoError(t, err)
	require.Equal(t, KindPaymentFailed, res.Kind)

	require.Equal(t, AgreementFailed, f.agreement().Status)
	for _, c := range f.contributions() {
		require.Nil(t, c.TrxnID)
	}
}

func TestProcessMembershipRenewal(t *testing.T) {
	f := newFixture(t)
	f.seed(func(a *Agreement) { a.FrequencyUnit = membership.UnitYear })

	end := time.Date(2014, time.July, 13, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.Create(&membership.Membership{
		ID:        membershipID,
		ContactID: contactID,
		Status:    membership.StatusNew,
		StartDate: time.Date(2013, time.July, 14, 0, 0, 0, 0, time.UTC),
		EndDate:   end,
	}).Error)
	require.NoError(t, f.db.Create(&membership.Payment{ID: 1, MembershipID: membershipID, ContributionID: contributionID}).Error)
	require.NoError(t, f.db.Create(&LineItem{
		ID:             1,
		ContributionID: contributionID,
		EntityTable:    EntityMembership,
		EntityID:       membershipID,
		Label:          "General",
		Qty:            decimal.NewFromInt(1),
		UnitPrice:      decimal.RequireFromString("15.00"),
		LineTotal:      decimal.RequireFromString("15.00"),
	}).Error)

	res, err := f.process(recurTransaction())
	require.NoError(t, err)
	require.NotNil(t, res.MembershipEndDate)

	// arrival time is irrelevant; only the cycle count matters
	late := withFields(recurTransaction(), "txn_id", "second-one", "payment_date", "03:59:05 Dec 24, 2015 PST")
	_, err = f.process(late)
	require.NoError(t, err)

	var m membership.Membership
	require.NoError(t, f.db.First(&m, "id = ?", membershipID).Error)
	require.True(t, m.EndDate.Equal(end.AddDate(2, 0, 0)), "end date %s", m.EndDate)

	contribs := f.contributions()
	require.Len(t, contribs, 2)
	second := contribs[1]
	require.Equal(t, "second-one", *second.TrxnID)

	var n int64
	require.NoError(t, f.db.Model(&LineItem{}).Where("entity_table = ? AND entity_id = ?", EntityMembership, membershipID).Count(&n).Error)
	require.Equal(t, int64(2), n)

	var item LineItem
	require.NoError(t, f.db.Where("contribution_id = ? AND entity_table = ?", second.ID, EntityMembership).First(&item).Error)
	require.True(t, item.LineTotal.Equal(decimal.RequireFromString("15.00")))

	var mp membership.Payment
	require.NoError(t, f.db.Where("contribution_id = ?", second.ID).First(&mp).Error)
	require.Equal(t, membershipID, mp.MembershipID)
}

func TestProcessMalformedTokenIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed()

	for _, tok := range []string{"i=xyz&m=contribute&c=1&r=abc&b=200", "garbage", "c=1&b=200"} {
		res, err := f.process(withFields(recurTransaction(), "rp_invoice_id", tok))
		require.NoError(t, err)
		require.Equal(t, OutcomeIgnored, res.Outcome)
		require.ErrorIs(t, res.Cause, ErrMalformedCorrelationToken)
	}

	contribs := f.contributions()
	require.Len(t, contribs, 1)
	require.Equal(t, ContributionPending, contribs[0].Status)
	require.Equal(t, AgreementPending, f.agreement().Status)
}

func TestProcessUnknownAgreementIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed()

	tok := fmt.Sprintf("i=xyz&m=contribute&c=%d&r=%d&b=%d&p=null", contactID, 999, contributionID)
	res, err := f.process(withFields(recurTransaction(), "rp_invoice_id", tok))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.ErrorIs(t, res.Cause, ErrUnknownAgreement)
	require.Equal(t, ContributionPending, f.contributions()[0].Status)
}

func TestProcessContributionOfOtherAgreementIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed()

	require.NoError(t, f.db.Create(&Contribution{ID: 201, ContactID: contactID, Status: ContributionPending}).Error)

	tok := fmt.Sprintf("i=xyz&m=contribute&c=%d&r=%d&b=%d&p=null", contactID, agreementID, 201)
	res, err := f.process(withFields(recurTransaction(), "rp_invoice_id", tok))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.ErrorIs(t, res.Cause, ErrUnknownContribution)
}

func TestProcessExpressCheckoutNoChange(t *testing.T) {
	f := newFixture(t)
	f.seed()

	res, err := f.process(withFields(recurTransaction(), "txn_type", "express_checkout", "mc_gross", "200.00"))
	require.NoError(t, err)
	require.Equal(t, KindIgnored, res.Kind)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.Equal(t, ContributionPending, f.contributions()[0].Status)
}

func TestProcessSubscriptionCreated(t *testing.T) {
	f := newFixture(t)
	f.seed(func(a *Agreement) { a.ProcessorID = "" })

	// profile confirmations swap c and b; only r is used
	fields := map[string]string{
		"txn_type":             "recurring_payment_profile_created",
		"payment_cycle":        "Monthly",
		"next_payment_date":    "03:00:00 May 09, 2018 PDT",
		"rp_invoice_id":        fmt.Sprintf("i=xyz&m=&c=%d&r=%d&b=%d&p=4", contributionID, agreementID, contactID),
		"currency_code":        "GBP",
		"time_created":         "12:39:01 May 09, 2018 PDT",
		"test_ipn":             "1",
		"amount":               "6.00",
		"profile_status":       "Active",
		"recurring_payment_id": "I-JW77S1PY2032",
	}

	res, err := f.process(fields)
	require.NoError(t, err)
	require.Equal(t, KindSubscriptionCreated, res.Kind)
	require.Equal(t, OutcomeApplied, res.Outcome)

	a := f.agreement()
	require.Equal(t, "I-JW77S1PY2032", a.ProcessorID)
	require.Equal(t, AgreementInProgress, a.Status)
	require.Len(t, f.contributions(), 1)

	res, err = f.process(fields)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
}

func TestProcessUnconfiguredProcessor(t *testing.T) {
	f := newFixture(t)
	f.seed(func(a *Agreement) { a.PaymentProcessorID = 42 })

	_, err := f.process(recurTransaction())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConfiguration)
	require.False(t, errors.Is(err, ErrPersistence))

	require.Equal(t, ContributionPending, f.contributions()[0].Status)
	require.Equal(t, AgreementPending, f.agreement().Status)
}

func TestProcessNeverDowngradesTerminalAgreement(t *testing.T) {
	f := newFixture(t)
	f.seed(func(a *Agreement) { a.Status = AgreementInProgress })

	cancel := withFields(recurTransaction(), "txn_type", "recurring_payment_profile_cancel")
	res, err := f.process(cancel)
	require.NoError(t, err)
	require.Equal(t, KindSubscriptionCancelled, res.Kind)
	a := f.agreement()
	require.Equal(t, AgreementCancelled, a.Status)
	require.NotNil(t, a.CancelDate)

	res, err = f.process(withFields(recurTransaction(), "txn_type", "recurring_payment_failed"))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = f.process(withFields(recurTransaction(), "txn_type", "recurring_payment_expired"))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)

	a = f.agreement()
	require.Equal(t, AgreementCancelled, a.Status)
	require.Zero(t, a.FailureCount)
	require.Equal(t, ContributionPending, f.contributions()[0].Status)
}

func TestProcessStaleFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed()

	_, err := f.process(recurTransaction())
	require.NoError(t, err)

	stale := withFields(recurTransaction(), "txn_type", "recurring_payment_failed", "payment_date", "03:59:05 Jun 14, 2013 PDT")
	res, err := f.process(stale)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.Equal(t, AgreementInProgress, f.agreement().Status)
}

func TestProcessSubscriptionExpired(t *testing.T) {
	f := newFixture(t)
	f.seed(func(a *Agreement) { a.Status = AgreementInProgress })

	res, err := f.process(withFields(recurTransaction(), "txn_type", "recurring_payment_expired"))
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, res.Outcome)

	a := f.agreement()
	require.Equal(t, AgreementCompleted, a.Status)
	require.NotNil(t, a.EndDate)
}

func TestProcessInstallmentsCompleteAgreement(t *testing.T) {
	f := newFixture(t)
	two := 2
	f.seed(func(a *Agreement) { a.Installments = &two })

	_, err := f.process(recurTransaction())
	require.NoError(t, err)
	require.Equal(t, AgreementInProgress, f.agreement().Status)

	_, err = f.process(withFields(recurTransaction(), "txn_id", "second-one"))
	require.NoError(t, err)

	a := f.agreement()
	require.Equal(t, AgreementCompleted, a.Status)
	require.NotNil(t, a.EndDate)
}

func TestProcessConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.seed(func(a *Agreement) { a.Status = AgreementInProgress })
	_, err := f.process(recurTransaction())
	require.NoError(t, err)

	next := withFields(recurTransaction(), "txn_id", "concurrent-1")

	const workers = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
		errs     []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.process(next)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			outcomes[res.Outcome]++
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Equal(t, 1, outcomes[OutcomeApplied])
	require.Equal(t, workers-1, outcomes[OutcomeDuplicate])

	var n int64
	require.NoError(t, f.db.Model(&Contribution{}).Where("trxn_id = ?", "concurrent-1").Count(&n).Error)
	require.Equal(t, int64(1), n)
}

func TestProcessRollsBackOnPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.seed()

	_, err := f.process(recurTransaction())
	require.NoError(t, err)

	f.svc.lineItems = &repoMock[LineItem]{
		batchCreateFn: func(ctx context.Context, resources []*LineItem) error {
			return errors.New("disk full")
		},
	}

	_, err = f.process(withFields(recurTransaction(), "txn_id", "second-one"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPersistence)

	require.Len(t, f.contributions(), 1)
	require.Equal(t, "8XA571746W2698126", *f.agreement().LastTrxnID)
}

func TestProcessLockFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.seed()

	f.svc.locker = lockerFunc(func(ctx context.Context, key string) (lock.Unlock, error) {
		return nil, lock.ErrLockTimeout
	})

	_, err := f.process(recurTransaction())
	require.ErrorIs(t, err, ErrPersistence)
	require.Equal(t, ContributionPending, f.contributions()[0].Status)
}

type lockerFunc func(ctx context.Context, key string) (lock.Unlock, error)

func (f lockerFunc) Lock(ctx context.Context, key string) (lock.Unlock, error) {
	return f(ctx, key)
}
