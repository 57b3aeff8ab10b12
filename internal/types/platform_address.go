package types

import (
	"time"

	"github.com/google/uuid"
)

type PlatformAddress struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Address         string    `db:"address" json:"address"`
	DerivationIndex int       `db:"derivation_index" json:"derivation_index"`
	IsUsed          bool      `db:"is_used" json:"is_used"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}
