package common

import (
	"strings"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// GetSortingCondition turns "created_at" or "-amount" into an ORDER BY column and
// direction. Unknown columns fall back to created_at.
func GetSortingCondition(sort string) (string, string) {
	// Default sorting column
	orderBy := "created_at"
	orderDirection := "ASC"

	isDescending := strings.HasPrefix(sort, "-")
	columnName := strings.TrimPrefix(sort, "-")

	// Ensure orderBy is a valid column name (prevent SQL injection)
	allowedColumns := map[string]bool{"updated_at": true, "created_at": true, "amount": true, "status": true}
	if allowedColumns[columnName] {
		orderBy = columnName
	}

	if isDescending {
		orderDirection = "DESC"
	}

	return orderBy, orderDirection
}

// ClampLimit bounds a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}
