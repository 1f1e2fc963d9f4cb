package recurring

import (
	"context"
	"fmt"

	"smallbiznis-recurring/pkg/db/option"
	"smallbiznis-recurring/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// AgreementStore reads and writes recurring agreements. Agreements are never
// deleted here.
type AgreementStore struct {
	repo repository.Repository[Agreement]
}

func NewAgreementStore(repo repository.Repository[Agreement]) *AgreementStore {
	return &AgreementStore{repo: repo}
}

func (s *AgreementStore) WithTrx(tx *gorm.DB) *AgreementStore {
	return &AgreementStore{repo: s.repo.WithTrx(tx)}
}

func (s *AgreementStore) GetByID(ctx context.Context, id snowflake.ID, opts ...option.QueryOption) (*Agreement, error) {
	a, err := s.repo.FindOne(ctx, &Agreement{ID: id}, opts...)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgreement, id)
	}
	return a, nil
}

// Update writes every mutable column of a, including zero values.
func (s *AgreementStore) Update(ctx context.Context, a *Agreement) error {
	return s.repo.Update(ctx, a.ID.String(), map[string]any{
		"status":          a.Status,
		"processor_id":    a.ProcessorID,
		"failure_count":   a.FailureCount,
		"last_trxn_id":    a.LastTrxnID,
		"last_payment_at": a.LastPaymentAt,
		"end_date":        a.EndDate,
		"cancel_date":     a.CancelDate,
	})
}

type ContributionStore struct {
	repo repository.Repository[Contribution]
}

func NewContributionStore(repo repository.Repository[Contribution]) *ContributionStore {
	return &ContributionStore{repo: repo}
}

func (s *ContributionStore) WithTrx(tx *gorm.DB) *ContributionStore {
	return &ContributionStore{repo: s.repo.WithTrx(tx)}
}

func (s *ContributionStore) GetByID(ctx context.Context, id snowflake.ID) (*Contribution, error) {
	c, err := s.repo.FindOne(ctx, &Contribution{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContribution, id)
	}
	return c, nil
}

// FindByTransactionID returns the contribution holding the dedup key
// (agreementID, txnID), or nil.
func (s *ContributionStore) FindByTransactionID(ctx context.Context, agreementID snowflake.ID, txnID string) (*Contribution, error) {
	return s.repo.FindOne(ctx, &Contribution{ContributionRecurID: &agreementID, TrxnID: &txnID})
}

func (s *ContributionStore) Create(ctx context.Context, c *Contribution) error {
	return s.repo.Create(ctx, c)
}

func (s *ContributionStore) Update(ctx context.Context, c *Contribution) error {
	return s.repo.Update(ctx, c.ID.String(), map[string]any{
		"status":             c.Status,
		"trxn_id":            c.TrxnID,
		"total_amount":       c.TotalAmount,
		"currency":           c.Currency,
		"receive_date":       c.ReceiveDate,
		"source":             c.Source,
		"payment_instrument": c.PaymentInstrument,
		"is_test":            c.IsTest,
	})
}

func (s *ContributionStore) CountCompleted(ctx context.Context, agreementID snowflake.ID) (int64, error) {
	return s.repo.Count(ctx, &Contribution{ContributionRecurID: &agreementID, Status: ContributionCompleted})
}

func (s *ContributionStore) ListByAgreement(ctx context.Context, agreementID snowflake.ID, opts ...option.QueryOption) ([]*Contribution, error) {
	return s.repo.Find(ctx, &Contribution{ContributionRecurID: &agreementID}, opts...)
}
