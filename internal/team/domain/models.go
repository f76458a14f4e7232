package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Team is the billing counterparty. Managed elsewhere; this subsystem
// only reads the fields invoices and notifications need.
type Team struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	Name         string       `json:"name" gorm:"type:text;not null"`
	BillingName  string       `json:"billing_name" gorm:"type:text"`
	BillingEmail string       `json:"billing_email" gorm:"type:text"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

func (Team) TableName() string { return "teams" }

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Team, error)
}

var ErrTeamNotFound = errors.New("team_not_found")
