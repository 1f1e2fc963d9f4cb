package ipn

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusReceived     Status = "received"
	StatusHandled      Status = "handled"
	StatusIgnored      Status = "ignored"
	StatusHandleFailed Status = "handle_failed"
	StatusNeedsReview  Status = "needs_review"
)

// NotificationLog records one inbound notification. Data holds the normalized
// fields only, never the raw payload.
type NotificationLog struct {
	ID          snowflake.ID   `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ProcessorID int64          `gorm:"column:processor_id;index" json:"processor_id"`
	TxnType     string         `gorm:"column:txn_type" json:"txn_type"`
	TxnID       string         `gorm:"column:txn_id;index" json:"txn_id,omitempty"`
	AgreementID snowflake.ID   `gorm:"column:agreement_id;index" json:"agreement_id,omitempty"`
	Kind        string         `gorm:"column:kind" json:"kind"`
	Outcome     string         `gorm:"column:outcome" json:"outcome,omitempty"`
	Status      Status         `gorm:"column:status;index;not null" json:"status"`
	Data        datatypes.JSON `gorm:"column:data" json:"data"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	Attempts    int            `gorm:"column:attempts" json:"attempts"`
	ReceivedAt  time.Time      `gorm:"column:received_at" json:"received_at"`
	HandledAt   *time.Time     `gorm:"column:handled_at" json:"handled_at,omitempty"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (NotificationLog) TableName() string { return "ipn_notification_log" }
