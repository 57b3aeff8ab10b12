package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexesEncoding(t *testing.T) {
	assert.Nil(t, encodeIndexes(nil))

	s := encodeIndexes([]int{0, 3, 12})
	require.NotNil(t, s)
	assert.Equal(t, "0,3,12", *s)

	got, err := decodeIndexes(s)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 12}, got)

	empty := ""
	got, err = decodeIndexes(&empty)
	require.NoError(t, err)
	assert.Nil(t, got)

	bad := "1,x"
	_, err = decodeIndexes(&bad)
	assert.Error(t, err)
}
