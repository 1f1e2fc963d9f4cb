package ipn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"smallbiznis-recurring/pkg/rediskey"
	"smallbiznis-recurring/pkg/task"
	"smallbiznis-recurring/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const sweepSchedule = "@every 5m"

type LogPayload struct {
	LogID snowflake.ID `json:"log_id"`
}

func newLogTask(typ string, id snowflake.ID, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(LogPayload{LogID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, payload, opts...), nil
}

// ReplayTaskID is the asynq task id of a log's replay; at most one replay per
// log is queued at a time.
func ReplayTaskID(id snowflake.ID) string {
	return rediskey.BuildNotificationKey(id.Int64())
}

func NewReplayTask(id snowflake.ID) (*asynq.Task, error) {
	return newLogTask(taskname.NotificationReplay, id,
		asynq.TaskID(ReplayTaskID(id)),
		asynq.Queue(task.QueueCritical),
		asynq.MaxRetry(10),
		asynq.Timeout(time.Minute),
	)
}

func NewFollowUpTask(id snowflake.ID) (*asynq.Task, error) {
	return newLogTask(taskname.NotificationFollowUp, id,
		asynq.Queue(task.QueueLow),
		asynq.MaxRetry(3),
	)
}

func NewSweepTask() *asynq.Task {
	return asynq.NewTask(taskname.NotificationSweep, nil, asynq.Queue(task.QueueDefault), asynq.MaxRetry(0))
}

func decodeLogPayload(t *asynq.Task) (LogPayload, error) {
	var p LogPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.LogID == 0 {
		return p, fmt.Errorf("invalid payload: missing log_id: %w", asynq.SkipRetry)
	}
	return p, nil
}

// Worker adapts Service to asynq handlers.
type Worker struct {
	svc *Service
}

func NewWorker(svc *Service) *Worker {
	return &Worker{svc: svc}
}

func (w *Worker) HandleReplay(ctx context.Context, t *asynq.Task) error {
	p, err := decodeLogPayload(t)
	if err != nil {
		return err
	}

	zap.L().Info("replaying notification", zap.String("task_type", t.Type()), zap.String("log_id", p.LogID.String()))
	_, err = w.svc.Replay(ctx, p.LogID)
	return err
}

func (w *Worker) HandleFollowUp(ctx context.Context, t *asynq.Task) error {
	p, err := decodeLogPayload(t)
	if err != nil {
		return err
	}
	return w.svc.FollowUp(ctx, p.LogID)
}

func (w *Worker) HandleSweep(ctx context.Context, t *asynq.Task) error {
	n, err := w.svc.Sweep(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("notification sweep finished", zap.Int("enqueued", n))
	return nil
}

func registerHandlers(mux *asynq.ServeMux, w *Worker) {
	mux.HandleFunc(taskname.NotificationReplay, w.HandleReplay)
	mux.HandleFunc(taskname.NotificationFollowUp, w.HandleFollowUp)
	mux.HandleFunc(taskname.NotificationSweep, w.HandleSweep)
}

func registerSweep(scheduler *asynq.Scheduler) error {
	entryID, err := scheduler.Register(sweepSchedule, NewSweepTask())
	if err != nil {
		zap.L().Error("failed to register notification sweep", zap.Error(err))
		return err
	}
	zap.L().Info("notification sweep registered", zap.String("entry_id", entryID), zap.String("schedule", sweepSchedule))
	return nil
}
