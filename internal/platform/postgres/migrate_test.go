package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_Ordered(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].version, ms[i].version)
	}
	assert.Equal(t, 1, ms[0].version)
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion("0012_add_index.sql")
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	_, err = parseVersion("abc_bad.sql")
	assert.Error(t, err)
}
