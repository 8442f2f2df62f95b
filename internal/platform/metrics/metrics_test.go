package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry("dev", "test")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["carevault_build_info"])
	assert.True(t, names["go_goroutines"])

	n, err := testutil.GatherAndCount(reg, "carevault_build_info")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
