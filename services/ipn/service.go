package ipn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"smallbiznis-recurring/pkg/config"
	"smallbiznis-recurring/pkg/db/option"
	"smallbiznis-recurring/pkg/errutil"
	"smallbiznis-recurring/pkg/logger"
	"smallbiznis-recurring/pkg/repository"
	"smallbiznis-recurring/pkg/task"
	"smallbiznis-recurring/services/recurring"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	sweepBatchSize   = 100
	sweepConcurrency = 8
	maxAttempts      = 10
)

// Reconciler applies a notification to the recurring agreement it names.
type Reconciler interface {
	Process(ctx context.Context, n recurring.Notification) (*recurring.Result, error)
}

type Service struct {
	node       *snowflake.Node
	cfg        *config.Config
	reconciler Reconciler
	logs       repository.Repository[NotificationLog]
	enqueuer   task.Enqueuer
}

type Params struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	Reconciler Reconciler
	Enqueuer   task.Enqueuer
}

func NewService(p Params) *Service {
	return &Service{
		node:       p.Node,
		cfg:        p.Config,
		reconciler: p.Reconciler,
		logs:       repository.ProvideStore[NotificationLog](p.DB),
		enqueuer:   p.Enqueuer,
	}
}

// liveConfig prefers the live remote configuration so processor routes can change
// without a restart.
func (s *Service) liveConfig() *config.Config {
	if cfg := config.Current(); cfg != nil {
		return cfg
	}
	return s.cfg
}

// Receive records and processes a notification posted to the route of
// processorName. Domain problems and agreement-level configuration errors are
// absorbed so the gateway stops retrying; the latter are queued for follow-up.
// Only a persistence failure or an unknown route is returned as an error.
func (s *Service) Receive(ctx context.Context, processorName string, fields map[string]string) (*recurring.Result, error) {
	proc, ok := s.liveConfig().FindProcessorByName(processorName)
	if !ok {
		zap.L().Error("notification for unconfigured processor route", zap.String("processor", processorName))
		return nil, errutil.Internal("payment processor is not configured", fmt.Errorf("%w: %s", ErrUnknownProcessor, processorName))
	}

	n := recurring.NewNotification(fields, proc.ID, time.Now())

	data, err := json.Marshal(recurring.Normalize(n))
	if err != nil {
		return nil, errutil.Internal("failed to encode notification", err)
	}

	entry := &NotificationLog{
		ID:          s.node.Generate(),
		ProcessorID: proc.ID,
		TxnType:     n.TxnType(),
		TxnID:       n.TxnID(),
		Kind:        string(recurring.Classify(n)),
		Status:      StatusReceived,
		Data:        data,
		ReceivedAt:  n.ReceivedAt,
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		logger.FromContext(ctx).Error("failed to record notification", zap.Error(err))
		return nil, errutil.ServiceUnavailable("failed to record notification", fmt.Errorf("%w: %w", recurring.ErrPersistence, err))
	}

	res, err := s.handle(ctx, entry, n)
	if err != nil && errors.Is(err, recurring.ErrConfiguration) {
		s.enqueueFollowUp(ctx, entry.ID)
		return res, nil
	}
	return res, err
}

// handle runs n through the reconciler and stores the outcome on entry.
func (s *Service) handle(ctx context.Context, entry *NotificationLog, n recurring.Notification) (*recurring.Result, error) {
	log := logger.FromContext(ctx, zap.String("log_id", entry.ID.String()), zap.String("txn_id", entry.TxnID))

	res, procErr := s.reconciler.Process(ctx, n)

	now := time.Now()
	entry.Attempts++
	entry.HandledAt = &now
	entry.Error = ""
	if res != nil {
		entry.Kind = string(res.Kind)
		entry.Outcome = string(res.Outcome)
		entry.AgreementID = res.AgreementID
	}

	switch {
	case procErr == nil && res.Outcome == recurring.OutcomeIgnored:
		entry.Status = StatusIgnored
		entry.Error = res.Reason
	case procErr == nil:
		entry.Status = StatusHandled
	case errors.Is(procErr, recurring.ErrConfiguration):
		entry.Status = StatusNeedsReview
		entry.Error = procErr.Error()
	default:
		entry.Status = StatusHandleFailed
		entry.Error = procErr.Error()
	}

	if err := s.logs.Update(ctx, entry.ID.String(), map[string]any{
		"kind":         entry.Kind,
		"outcome":      entry.Outcome,
		"agreement_id": entry.AgreementID,
		"status":       entry.Status,
		"error":        entry.Error,
		"attempts":     entry.Attempts,
		"handled_at":   entry.HandledAt,
	}); err != nil {
		log.Error("failed to update notification log", zap.Error(err))
	}

	return res, procErr
}

func (s *Service) enqueueFollowUp(ctx context.Context, id snowflake.ID) {
	t, err := NewFollowUpTask(id)
	if err != nil {
		zap.L().Error("failed to build follow-up task", zap.Error(err))
		return
	}
	if _, err := s.enqueuer.Enqueue(ctx, t); err != nil {
		logger.FromContext(ctx).Error("failed to enqueue follow-up", zap.String("log_id", id.String()), zap.Error(err))
	}
}

func (s *Service) GetLog(ctx context.Context, id snowflake.ID) (*NotificationLog, error) {
	entry, err := s.logs.FindOne(ctx, &NotificationLog{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load notification log", err)
	}
	if entry == nil {
		return nil, errutil.NotFound("notification log not found", fmt.Errorf("%w: %s", ErrUnknownLog, id))
	}
	return entry, nil
}

// RequestReplay queues the stored notification for another pass through the
// reconciler and returns the task id.
func (s *Service) RequestReplay(ctx context.Context, id snowflake.ID) (string, error) {
	if _, err := s.GetLog(ctx, id); err != nil {
		return "", err
	}

	t, err := NewReplayTask(id)
	if err != nil {
		return "", errutil.Internal("failed to build replay task", err)
	}

	info, err := s.enqueuer.Enqueue(ctx, t)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return ReplayTaskID(id), nil
	}
	if err != nil {
		return "", errutil.ServiceUnavailable("failed to enqueue replay", err)
	}
	return info.ID, nil
}

// Replay processes a stored notification again. Dedup on the transaction id
// keeps it idempotent.
func (s *Service) Replay(ctx context.Context, id snowflake.ID) (*recurring.Result, error) {
	entry, err := s.GetLog(ctx, id)
	if err != nil {
		return nil, err
	}

	var fields map[string]string
	if err := json.Unmarshal(entry.Data, &fields); err != nil {
		return nil, errutil.Internal("failed to decode stored notification", err)
	}

	n := recurring.NewNotification(fields, entry.ProcessorID, entry.ReceivedAt)
	res, err := s.handle(ctx, entry, n)
	if err != nil && errors.Is(err, recurring.ErrConfiguration) {
		// retrying cannot help until the configuration changes
		return res, nil
	}
	return res, err
}

// FollowUp flags a notification for manual handling.
func (s *Service) FollowUp(ctx context.Context, id snowflake.ID) error {
	entry, err := s.GetLog(ctx, id)
	if err != nil {
		return err
	}

	if err := s.logs.Update(ctx, id.String(), map[string]any{"status": StatusNeedsReview}); err != nil {
		return err
	}

	zap.L().Warn("notification needs manual review",
		zap.String("log_id", id.String()),
		zap.Int64("processor_id", entry.ProcessorID),
		zap.String("txn_type", entry.TxnType),
		zap.String("txn_id", entry.TxnID),
		zap.String("agreement_id", entry.AgreementID.String()),
		zap.String("error", entry.Error),
	)
	return nil
}

// Sweep queues a replay for each notification whose last attempt hit a
// persistence failure. It returns the number of replays queued.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	entries, err := s.logs.Find(ctx, &NotificationLog{Status: StatusHandleFailed},
		option.ApplyOperator(option.Condition{Field: "attempts", Operator: option.LT, Value: maxAttempts}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
		option.WithLimit(sweepBatchSize),
	)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, e := range entries {
		id := e.ID
		g.Go(func() error {
			t, err := NewReplayTask(id)
			if err != nil {
				return err
			}
			if _, err := s.enqueuer.Enqueue(gctx, t); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return len(entries), nil
}
