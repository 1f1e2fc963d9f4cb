package recurring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-recurring/pkg/config"
	"smallbiznis-recurring/pkg/db/option"
	"smallbiznis-recurring/pkg/errutil"
	"smallbiznis-recurring/pkg/lock"
	"smallbiznis-recurring/pkg/logger"
	"smallbiznis-recurring/pkg/rediskey"
	"smallbiznis-recurring/pkg/repository"
	"smallbiznis-recurring/services/membership"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Result describes what Process did with a notification. Cause carries the
// absorbed domain error for ignored and duplicate outcomes.
type Result struct {
	Kind               Kind         `json:"kind"`
	Outcome            Outcome      `json:"outcome"`
	AgreementID        snowflake.ID `json:"agreement_id,omitempty"`
	ContributionID     snowflake.ID `json:"contribution_id,omitempty"`
	Reason             string       `json:"reason,omitempty"`
	MembershipEndDate  *time.Time   `json:"membership_end_date,omitempty"`
	Cause              error        `json:"-"`
	membershipExtended bool
}

type Service struct {
	db            *gorm.DB
	node          *snowflake.Node
	cfg           *config.Config
	locker        lock.Locker
	tracer        trace.Tracer
	agreements    *AgreementStore
	contributions *ContributionStore
	lineItems     repository.Repository[LineItem]
	memberships   membership.Extender
}

type Params struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Config      *config.Config
	Locker      lock.Locker
	Memberships membership.Extender
}

func NewService(p Params) *Service {
	return &Service{
		db:            p.DB,
		node:          p.Node,
		cfg:           p.Config,
		locker:        p.Locker,
		tracer:        otel.Tracer("smallbiznis-recurring/services/recurring"),
		agreements:    NewAgreementStore(repository.ProvideStore[Agreement](p.DB)),
		contributions: NewContributionStore(repository.ProvideStore[Contribution](p.DB)),
		lineItems:     repository.ProvideStore[LineItem](p.DB),
		memberships:   p.Memberships,
	}
}

func (s *Service) liveConfig() *config.Config {
	if cfg := config.Current(); cfg != nil {
		return cfg
	}
	return s.cfg
}

// Process applies one notification to its recurring agreement. Work for the
// same agreement is serialized by an advisory lock and runs in a single
// database transaction, so either every write lands or none does.
//
// Classification and lookup problems are absorbed into an ignored Result.
// The returned error wraps ErrPersistence (safe to retry) or ErrConfiguration.
func (s *Service) Process(ctx context.Context, n Notification) (res *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "recurring.Process")
	defer span.End()

	kind := Classify(n)
	res = &Result{Kind: kind}

	log := logger.FromContext(ctx,
		zap.String("txn_type", n.TxnType()),
		zap.String("txn_id", n.TxnID()),
		zap.String("kind", string(kind)),
	)

	defer func() {
		outcome := "error"
		if err == nil {
			outcome = string(res.Outcome)
			if res.membershipExtended {
				membershipExtensionsTotal.Inc()
			}
		}
		notificationsTotal.WithLabelValues(string(kind), outcome).Inc()

		span.SetAttributes(
			attribute.String("ipn.kind", string(kind)),
			attribute.String("ipn.outcome", outcome),
			attribute.Int64("ipn.agreement_id", res.AgreementID.Int64()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if kind == KindIgnored {
		log.Info("ignoring notification", zap.String("payment_status", n.PaymentStatus()))
		res.Outcome = OutcomeIgnored
		res.Reason = "notification type not handled"
		return res, nil
	}

	tok, err := ParseCorrelationToken(n.Token())
	if err != nil {
		log.Warn("ignoring notification with malformed correlation token", zap.Error(err))
		return s.ignore(res, err), nil
	}
	res.AgreementID = tok.AgreementID
	log = log.With(zap.String("agreement_id", tok.AgreementID.String()))

	unlock, err := s.locker.Lock(ctx, rediskey.BuildRecurLockKey(tok.AgreementID.Int64()))
	if err != nil {
		log.Error("failed to lock recurring agreement", zap.Error(err))
		return res, errutil.ServiceUnavailable("failed to lock recurring agreement", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release recurring agreement lock", zap.Error(err))
		}
	}()

	var applied *Result
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := s.apply(ctx, tx, n, kind, tok)
		if err != nil {
			return err
		}
		applied = r
		return nil
	})

	switch {
	case txErr == nil:
		applied.Kind = kind
		applied.AgreementID = tok.AgreementID
		log.Info("notification processed",
			zap.String("outcome", string(applied.Outcome)),
			zap.String("contribution_id", applied.ContributionID.String()),
			zap.String("reason", applied.Reason),
		)
		res = applied
		return res, nil

	case errors.Is(txErr, gorm.ErrDuplicatedKey):
		// a concurrent delivery committed the same (agreement, txn_id) first
		log.Info("transaction already recorded", zap.Error(txErr))
		res.Outcome = OutcomeDuplicate
		res.Reason = "transaction already recorded"
		res.Cause = ErrDuplicateTransaction
		return res, nil

	case errors.Is(txErr, ErrUnknownAgreement), errors.Is(txErr, ErrUnknownContribution):
		log.Warn("ignoring notification for unknown record", zap.Error(txErr))
		return s.ignore(res, txErr), nil

	case errors.Is(txErr, ErrConfiguration):
		log.Error("notification cannot be applied", zap.Error(txErr))
		return res, errutil.Internal("notification cannot be applied", txErr)

	default:
		log.Error("failed to apply notification", zap.Error(txErr))
		return res, errutil.ServiceUnavailable("failed to apply notification", fmt.Errorf("%w: %w", ErrPersistence, txErr))
	}
}

func (s *Service) ignore(res *Result, cause error) *Result {
	res.Outcome = OutcomeIgnored
	res.Reason = cause.Error()
	res.Cause = cause
	return res
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, n Notification, kind Kind, tok Token) (*Result, error) {
	a, err := s.agreements.WithTrx(tx).GetByID(ctx, tok.AgreementID, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}

	proc, ok := s.liveConfig().FindProcessor(a.PaymentProcessorID)
	if !ok {
		return nil, fmt.Errorf("%w: payment processor %d of agreement %s is not configured", ErrConfiguration, a.PaymentProcessorID, a.ID)
	}

	switch kind {
	case KindSubscriptionCreated:
		return s.subscriptionCreated(ctx, tx, a, n)
	case KindSubscriptionCancelled:
		return s.subscriptionCancelled(ctx, tx, a, n)
	case KindSubscriptionExpired:
		return s.subscriptionExpired(ctx, tx, a, n)
	case KindPaymentFailed:
		return s.paymentFailed(ctx, tx, a, n, tok)
	case KindPaymentCompleted:
		return s.paymentCompleted(ctx, tx, a, n, tok, proc)
	default:
		return &Result{Outcome: OutcomeIgnored, Reason: "notification type not handled"}, nil
	}
}

// originContribution loads the contribution named by the token and checks it
// belongs to the agreement.
func (s *Service) originContribution(ctx context.Context, tx *gorm.DB, a *Agreement, tok Token) (*Contribution, error) {
	c, err := s.contributions.WithTrx(tx).GetByID(ctx, tok.ContributionID)
	if err != nil {
		return nil, err
	}
	if c.ContributionRecurID == nil || *c.ContributionRecurID != a.ID {
		return nil, fmt.Errorf("%w: contribution %s does not belong to agreement %s", ErrUnknownContribution, c.ID, a.ID)
	}
	return c, nil
}

func (s *Service) subscriptionCreated(ctx context.Context, tx *gorm.DB, a *Agreement, n Notification) (*Result, error) {
	changed := false
	if a.Status == AgreementPending {
		a.Status = AgreementInProgress
		changed = true
	}
	if sid := n.SubscriptionID(); sid != "" && a.ProcessorID == "" {
		a.ProcessorID = sid
		changed = true
	}

	if !changed {
		return &Result{Outcome: OutcomeIgnored, Reason: "subscription already recorded"}, nil
	}

	if err := s.agreements.WithTrx(tx).Update(ctx, a); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeApplied}, nil
}

func (s *Service) subscriptionCancelled(ctx context.Context, tx *gorm.DB, a *Agreement, n Notification) (*Result, error) {
	if a.Status.Terminal() {
		return &Result{Outcome: OutcomeIgnored, Reason: fmt.Sprintf("agreement already %s", a.Status)}, nil
	}

	at, _ := n.PaymentDate()
	a.Status = AgreementCancelled
	a.CancelDate = &at

	if err := s.agreements.WithTrx(tx).Update(ctx, a); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeApplied}, nil
}

func (s *Service) subscriptionExpired(ctx context.Context, tx *gorm.DB, a *Agreement, n Notification) (*Result, error) {
	if a.Status.Terminal() {
		return &Result{Outcome: OutcomeIgnored, Reason: fmt.Sprintf("agreement already %s", a.Status)}, nil
	}

	at, _ := n.PaymentDate()
	a.Status = AgreementCompleted
	a.EndDate = &at

	if err := s.agreements.WithTrx(tx).Update(ctx, a); err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeApplied}, nil
}

// paymentFailed flags the agreement Failed. It never creates a contribution
// and never assigns a transaction id; a still-unpaid placeholder is marked
// Failed so a later success can complete it.
func (s *Service) paymentFailed(ctx context.Context, tx *gorm.DB, a *Agreement, n Notification, tok Token) (*Result, error) {
	if a.Status.Terminal() {
		return &Result{Outcome: OutcomeIgnored, Reason: fmt.Sprintf("agreement already %s", a.Status)}, nil
	}

	failedAt, _ := n.PaymentDate()
	if a.LastPaymentAt != nil && failedAt.Before(*a.LastPaymentAt) {
		return &Result{Outcome: OutcomeIgnored, Reason: "failure predates the last applied payment"}, nil
	}

	res := &Result{Outcome: OutcomeApplied}

	origin, err := s.originContribution(ctx, tx, a, tok)
	if err != nil {
		return nil, err
	}
	if origin.TrxnID == nil && origin.Status == ContributionPending {
		origin.Status = ContributionFailed
		if err := s.contributions.WithTrx(tx).Update(ctx, origin); err != nil {
			return nil, err
		}
		res.ContributionID = origin.ID
	}

	a.Status = AgreementFailed
	a.FailureCount++
	if err := s.agreements.WithTrx(tx).Update(ctx, a); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) paymentCompleted(ctx context.Context, tx *gorm.DB, a *Agreement, n Notification, tok Token, proc config.Processor) (*Result, error) {
	contributions := s.contributions.WithTrx(tx)
	txnID := n.TxnID()

	existing, err := contributions.FindByTransactionID(ctx, a.ID, txnID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &Result{
			Outcome:        OutcomeDuplicate,
			ContributionID: existing.ID,
			Reason:         "transaction already recorded",
			Cause:          ErrDuplicateTransaction,
		}, nil
	}

	origin, err := s.originContribution(ctx, tx, a, tok)
	if err != nil {
		return nil, err
	}

	paidAt, _ := n.PaymentDate()
	gross, hasGross, _ := n.Gross()
	isTest := proc.IsTest || n.Get(FieldTestIPN) == "1"
	source := contributionSource(tok, proc)

	var c *Contribution
	if origin.Placeholder() {
		c = origin
		c.Status = ContributionCompleted
		c.TrxnID = &txnID
		c.ReceiveDate = &paidAt
		c.Source = source
		c.IsTest = isTest
		if hasGross {
			c.TotalAmount = gross
		}
		if cur := n.Currency(); cur != "" {
			c.Currency = cur
		}
		if pi := n.Get(FieldPaymentInstrument); pi != "" {
			c.PaymentInstrument = pi
		}
		if err := contributions.Update(ctx, c); err != nil {
			return nil, err
		}
	} else {
		c = &Contribution{
			ID:                  s.node.Generate(),
			ContactID:           a.ContactID,
			ContributionRecurID: &a.ID,
			TrxnID:              &txnID,
			Status:              ContributionCompleted,
			TotalAmount:         a.Amount,
			Currency:            a.Currency,
			ReceiveDate:         &paidAt,
			Source:              source,
			FinancialTypeID:     a.FinancialTypeID,
			PaymentInstrument:   a.PaymentInstrument,
			ContributionPageID:  tok.PageID,
			IsTest:              isTest,
		}
		if hasGross {
			c.TotalAmount = gross
		}
		if cur := n.Currency(); cur != "" {
			c.Currency = cur
		}
		if pi := n.Get(FieldPaymentInstrument); pi != "" {
			c.PaymentInstrument = pi
		}
		if err := contributions.Create(ctx, c); err != nil {
			return nil, err
		}
		if err := s.copyLineItems(ctx, tx, origin, c); err != nil {
			return nil, err
		}
	}

	res := &Result{Outcome: OutcomeApplied, ContributionID: c.ID}

	if err := s.extendMembership(ctx, tx, a, origin, c, res); err != nil {
		return nil, err
	}

	if a.Status == AgreementPending || a.Status == AgreementFailed {
		a.Status = AgreementInProgress
	}
	a.FailureCount = 0
	a.LastTrxnID = &txnID
	if a.LastPaymentAt == nil || paidAt.After(*a.LastPaymentAt) {
		a.LastPaymentAt = &paidAt
	}

	if a.Installments != nil && !a.Status.Terminal() {
		done, err := contributions.CountCompleted(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if done >= int64(*a.Installments) {
			a.Status = AgreementCompleted
			a.EndDate = &paidAt
		}
	}

	if err := s.agreements.WithTrx(tx).Update(ctx, a); err != nil {
		return nil, err
	}
	return res, nil
}

func contributionSource(tok Token, proc config.Processor) string {
	if tok.PageID != nil {
		return fmt.Sprintf("Online Contribution: Page %d", *tok.PageID)
	}
	if proc.Name != "" {
		return "Online Contribution: " + proc.Name
	}
	return "Online Contribution: recurring payment"
}

// extendMembership pushes the membership paid for by the originating
// contribution forward by one agreement cycle, anchored at its current end
// date, and links a newly created contribution to it.
func (s *Service) extendMembership(ctx context.Context, tx *gorm.DB, a *Agreement, origin, c *Contribution, res *Result) error {
	memberships := s.memberships.WithTrx(tx)

	mp, err := memberships.ForContribution(ctx, origin.ID)
	if err != nil {
		return err
	}
	if mp == nil {
		return nil
	}

	end, err := memberships.ExtendByOneCycle(ctx, mp.MembershipID, a.FrequencyUnit, a.FrequencyInterval, time.Time{})
	if err != nil {
		if errors.Is(err, membership.ErrUnknownUnit) || errors.Is(err, membership.ErrUnknownMembership) {
			return fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return err
	}

	if c.ID != origin.ID {
		if err := memberships.LinkPayment(ctx, mp.MembershipID, c.ID); err != nil {
			return err
		}
	}

	res.MembershipEndDate = &end
	res.membershipExtended = true
	return nil
}

// copyLineItems gives a new contribution the line items of the contribution
// it repeats. A single item takes the new total as its price.
func (s *Service) copyLineItems(ctx context.Context, tx *gorm.DB, from, to *Contribution) error {
	lineItems := s.lineItems.WithTrx(tx)

	items, err := lineItems.Find(ctx, &LineItem{ContributionID: from.ID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
	if err != nil {
		return err
	}

	one := decimal.NewFromInt(1)
	if len(items) == 0 {
		return lineItems.BatchCreate(ctx, []*LineItem{{
			ID:              s.node.Generate(),
			ContributionID:  to.ID,
			EntityTable:     EntityContribution,
			EntityID:        to.ID,
			Label:           "Contribution Amount",
			Qty:             one,
			UnitPrice:       to.TotalAmount,
			LineTotal:       to.TotalAmount,
			FinancialTypeID: to.FinancialTypeID,
		}})
	}

	out := make([]*LineItem, 0, len(items))
	for _, item := range items {
		cp := *item
		cp.ID = s.node.Generate()
		cp.ContributionID = to.ID
		cp.CreatedAt = time.Time{}
		if cp.EntityTable == EntityContribution {
			cp.EntityID = to.ID
		}
		out = append(out, &cp)
	}

	if len(out) == 1 {
		out[0].Qty = one
		out[0].UnitPrice = to.TotalAmount
		out[0].LineTotal = to.TotalAmount
	}

	return lineItems.BatchCreate(ctx, out)
}
