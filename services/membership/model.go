package membership

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Unit is the duration unit shared by membership types and recurring agreements.
type Unit string

const (
	UnitDay   Unit = "day"
	UnitWeek  Unit = "week"
	UnitMonth Unit = "month"
	UnitYear  Unit = "year"
)

const (
	StatusNew     = "New"
	StatusCurrent = "Current"
	StatusGrace   = "Grace"
	StatusExpired = "Expired"
)

type Membership struct {
	ID               snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	ContactID        snowflake.ID `gorm:"column:contact_id;index;not null" json:"contact_id"`
	MembershipTypeID int64        `gorm:"column:membership_type_id" json:"membership_type_id"`
	Status           string       `gorm:"column:status;default:'New'" json:"status"`
	JoinDate         time.Time    `gorm:"column:join_date" json:"join_date"`
	StartDate        time.Time    `gorm:"column:start_date" json:"start_date"`
	EndDate          time.Time    `gorm:"column:end_date" json:"end_date"`
	CreatedAt        time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Membership) TableName() string { return "membership" }

// Payment links a contribution to the membership it paid for.
type Payment struct {
	ID             snowflake.ID `gorm:"column:id;primaryKey;autoIncrement:false" json:"id"`
	MembershipID   snowflake.ID `gorm:"column:membership_id;index;not null" json:"membership_id"`
	ContributionID snowflake.ID `gorm:"column:contribution_id;uniqueIndex;not null" json:"contribution_id"`
	CreatedAt      time.Time    `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

func (Payment) TableName() string { return "membership_payment" }
