package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSortingCondition(t *testing.T) {
	tests := []struct {
		sort      string
		wantCol   string
		wantOrder string
	}{
		{sort: "", wantCol: "created_at", wantOrder: "ASC"},
		{sort: "-created_at", wantCol: "created_at", wantOrder: "DESC"},
		{sort: "amount", wantCol: "amount", wantOrder: "ASC"},
		{sort: "-updated_at", wantCol: "updated_at", wantOrder: "DESC"},
		{sort: "id; drop table payment", wantCol: "created_at", wantOrder: "ASC"},
	}
	for _, tt := range tests {
		t.Run(tt.sort, func(t *testing.T) {
			col, order := GetSortingCondition(tt.sort)
			assert.Equal(t, tt.wantCol, col)
			assert.Equal(t, tt.wantOrder, order)
		})
	}
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultPageLimit, ClampLimit(0))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxPageLimit, ClampLimit(10_000))
}
