package membership

import (
	"context"
	"fmt"
	"time"

	"smallbiznis-recurring/pkg/db/option"
	"smallbiznis-recurring/pkg/logger"
	"smallbiznis-recurring/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Extender is the view of memberships the recurring reconciler depends on.
type Extender interface {
	WithTrx(tx *gorm.DB) Extender
	ForContribution(ctx context.Context, contributionID snowflake.ID) (*Payment, error)
	ExtendByOneCycle(ctx context.Context, membershipID snowflake.ID, unit Unit, interval int, anchor time.Time) (time.Time, error)
	LinkPayment(ctx context.Context, membershipID, contributionID snowflake.ID) error
}

type Service struct {
	node        *snowflake.Node
	memberships repository.Repository[Membership]
	payments    repository.Repository[Payment]
}

type Params struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p Params) *Service {
	return &Service{
		node:        p.Node,
		memberships: repository.ProvideStore[Membership](p.DB),
		payments:    repository.ProvideStore[Payment](p.DB),
	}
}

func (s *Service) WithTrx(tx *gorm.DB) Extender {
	return &Service{
		node:        s.node,
		memberships: s.memberships.WithTrx(tx),
		payments:    s.payments.WithTrx(tx),
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*Membership, error) {
	m, err := s.memberships.FindOne(ctx, &Membership{ID: id})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrUnknownMembership
	}
	return m, nil
}

// ForContribution returns the membership_payment row of a contribution, or nil.
func (s *Service) ForContribution(ctx context.Context, contributionID snowflake.ID) (*Payment, error) {
	return s.payments.FindOne(ctx, &Payment{ContributionID: contributionID})
}

// ExtendByOneCycle pushes the membership end date forward by one cycle from
// anchor. A zero anchor means the membership's current end date.
func (s *Service) ExtendByOneCycle(ctx context.Context, membershipID snowflake.ID, unit Unit, interval int, anchor time.Time) (time.Time, error) {
	log := logger.FromContext(ctx,
		zap.String("membership_id", membershipID.String()),
		zap.String("unit", string(unit)),
		zap.Int("interval", interval),
	)

	m, err := s.memberships.FindOne(ctx, &Membership{ID: membershipID}, option.WithLockingUpdate())
	if err != nil {
		log.Error("failed to load membership", zap.Error(err))
		return time.Time{}, err
	}
	if m == nil {
		return time.Time{}, ErrUnknownMembership
	}

	if anchor.IsZero() {
		anchor = m.EndDate
	}

	end, err := AddCycle(anchor, unit, interval)
	if err != nil {
		return time.Time{}, err
	}

	if err := s.memberships.Update(ctx, m.ID.String(), map[string]any{
		"end_date": end,
		"status":   StatusCurrent,
	}); err != nil {
		log.Error("failed to extend membership", zap.Error(err))
		return time.Time{}, fmt.Errorf("extend membership %s: %w", m.ID, err)
	}

	log.Info("membership extended", zap.Time("from", anchor), zap.Time("to", end))
	return end, nil
}

func (s *Service) LinkPayment(ctx context.Context, membershipID, contributionID snowflake.ID) error {
	return s.payments.Create(ctx, &Payment{
		ID:             s.node.Generate(),
		MembershipID:   membershipID,
		ContributionID: contributionID,
	})
}
