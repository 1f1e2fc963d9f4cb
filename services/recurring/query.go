package recurring

import (
	"context"
	"errors"

	"smallbiznis-recurring/pkg/db/option"
	"smallbiznis-recurring/pkg/db/pagination"
	"smallbiznis-recurring/pkg/errutil"

	"github.com/bwmarrin/snowflake"
)

func (s *Service) GetAgreement(ctx context.Context, id snowflake.ID) (*Agreement, error) {
	a, err := s.agreements.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownAgreement) {
			return nil, errutil.NotFound("recurring agreement not found", err)
		}
		return nil, errutil.Internal("failed to load recurring agreement", err)
	}
	return a, nil
}

// ListContributions pages through an agreement's contributions in id order.
func (s *Service) ListContributions(ctx context.Context, id snowflake.ID, p pagination.Pagination) ([]*Contribution, *pagination.PageInfo, error) {
	if _, err := s.GetAgreement(ctx, id); err != nil {
		return nil, nil, err
	}

	if p.Limit <= 0 {
		p.Limit = 10
	}

	rows, err := s.contributions.ListByAgreement(ctx, id, option.ApplyPagination(p))
	if err != nil {
		return nil, nil, errutil.Internal("failed to list contributions", err)
	}

	page, info := pagination.BuildCursorPage(rows, p.Limit, func(c *Contribution) pagination.Cursor {
		return pagination.Cursor{ID: c.ID.String()}
	})
	return page, info, nil
}
