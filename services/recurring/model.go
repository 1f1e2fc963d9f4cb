package recurring

import (
	"time"

	"smallbiznis-recurring/services/membership"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type AgreementStatus string

const (
	AgreementPending    AgreementStatus = "Pending"
	AgreementInProgress AgreementStatus = "In Progress"
	AgreementCompleted  AgreementStatus = "Completed"
	AgreementFailed     AgreementStatus = "Failed"
	AgreementCancelled  AgreementStatus = "Cancelled"
)

// Terminal reports whether no notification may move the agreement out of s.
func (s AgreementStatus) Terminal() bool {
	return s == AgreementCompleted || s == AgreementCancelled
}

type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "Pending"
	ContributionCompleted ContributionStatus = "Completed"
	ContributionFailed    ContributionStatus = "Failed"
)

// Agreement is a recurring contribution commitment (contribution_recur).
type Agreement struct {
	ID                 snowflake.ID    `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ContactID          snowflake.ID    `gorm:"column:contact_id;index;not null" json:"contact_id"`
	Status             AgreementStatus `gorm:"column:status;index;not null" json:"status"`
	ProcessorID        string          `gorm:"column:processor_id" json:"processor_id"` // gateway subscription id
	PaymentProcessorID int64           `gorm:"column:payment_processor_id" json:"payment_processor_id"`
	Currency           string          `gorm:"column:currency;size:3" json:"currency"`
	Amount             decimal.Decimal `gorm:"column:amount;type:decimal(20,2)" json:"amount"`
	FrequencyUnit      membership.Unit `gorm:"column:frequency_unit" json:"frequency_unit"`
	FrequencyInterval  int             `gorm:"column:frequency_interval;default:1" json:"frequency_interval"`
	Installments       *int            `gorm:"column:installments" json:"installments,omitempty"`
	FinancialTypeID    int64           `gorm:"column:financial_type_id" json:"financial_type_id"`
	PaymentInstrument  string          `gorm:"column:payment_instrument" json:"payment_instrument,omitempty"`
	FailureCount       int             `gorm:"column:failure_count" json:"failure_count"`
	LastTrxnID         *string         `gorm:"column:last_trxn_id" json:"last_trxn_id,omitempty"`
	LastPaymentAt      *time.Time      `gorm:"column:last_payment_at" json:"last_payment_at,omitempty"`
	StartDate          time.Time       `gorm:"column:start_date" json:"start_date"`
	EndDate            *time.Time      `gorm:"column:end_date" json:"end_date,omitempty"`
	CancelDate         *time.Time      `gorm:"column:cancel_date" json:"cancel_date,omitempty"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Agreement) TableName() string { return "contribution_recur" }

// Contribution is a single payment. (contribution_recur_id, trxn_id) is unique;
// a Pending contribution with no trxn_id is the agreement's placeholder.
type Contribution struct {
	ID                  snowflake.ID       `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ContactID           snowflake.ID       `gorm:"column:contact_id;index;not null" json:"contact_id"`
	ContributionRecurID *snowflake.ID      `gorm:"column:contribution_recur_id;uniqueIndex:ux_contribution_recur_trxn,priority:1" json:"contribution_recur_id,omitempty"`
	TrxnID              *string            `gorm:"column:trxn_id;uniqueIndex:ux_contribution_recur_trxn,priority:2" json:"trxn_id,omitempty"`
	Status              ContributionStatus `gorm:"column:status;index;not null" json:"status"`
	TotalAmount         decimal.Decimal    `gorm:"column:total_amount;type:decimal(20,2)" json:"total_amount"`
	Currency            string             `gorm:"column:currency;size:3" json:"currency"`
	ReceiveDate         *time.Time         `gorm:"column:receive_date" json:"receive_date,omitempty"`
	Source              string             `gorm:"column:source" json:"source"`
	FinancialTypeID     int64              `gorm:"column:financial_type_id" json:"financial_type_id"`
	PaymentInstrument   string             `gorm:"column:payment_instrument" json:"payment_instrument,omitempty"`
	ContributionPageID  *int64             `gorm:"column:contribution_page_id" json:"contribution_page_id,omitempty"`
	IsTest              bool               `gorm:"column:is_test" json:"is_test"`
	CreatedAt           time.Time          `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time          `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Contribution) TableName() string { return "contribution" }

// Placeholder reports whether c is the not-yet-paid contribution created with
// the agreement. A failed first attempt keeps it reusable.
func (c *Contribution) Placeholder() bool {
	return c.TrxnID == nil && (c.Status == ContributionPending || c.Status == ContributionFailed)
}

const (
	EntityContribution = "contribution"
	EntityMembership   = "membership"
)

// LineItem is a purchased item of a contribution. EntityTable/EntityID name
// what was bought (the contribution itself or a membership).
type LineItem struct {
	ID              snowflake.ID    `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ContributionID  snowflake.ID    `gorm:"column:contribution_id;index;not null" json:"contribution_id"`
	EntityTable     string          `gorm:"column:entity_table;index:ix_line_item_entity,priority:1" json:"entity_table"`
	EntityID        snowflake.ID    `gorm:"column:entity_id;index:ix_line_item_entity,priority:2" json:"entity_id"`
	Label           string          `gorm:"column:label" json:"label"`
	Qty             decimal.Decimal `gorm:"column:qty;type:decimal(20,2)" json:"qty"`
	UnitPrice       decimal.Decimal `gorm:"column:unit_price;type:decimal(20,2)" json:"unit_price"`
	LineTotal       decimal.Decimal `gorm:"column:line_total;type:decimal(20,2)" json:"line_total"`
	FinancialTypeID int64           `gorm:"column:financial_type_id" json:"financial_type_id"`
	Metadata        datatypes.JSON  `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (LineItem) TableName() string { return "line_item" }

// Models lists every table owned by the reconciler, in migration order.
func Models() []any {
	return []any{
		&Agreement{},
		&Contribution{},
		&LineItem{},
		&membership.Membership{},
		&membership.Payment{},
	}
}
