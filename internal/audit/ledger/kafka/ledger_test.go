package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionIDRoundTrip(t *testing.T) {
	id := FormatTransactionID("carevault.audit", 0, 1234)
	assert.Equal(t, "carevault.audit/0/1234", id)

	topic, partition, offset, err := ParseTransactionID(id)
	require.NoError(t, err)
	assert.Equal(t, "carevault.audit", topic)
	assert.Equal(t, int32(0), partition)
	assert.Equal(t, int64(1234), offset)
}

func TestParseTransactionIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "topic", "/0/1", "topic/x/1", "topic/0/-1", "topic/0/"} {
		_, _, _, err := ParseTransactionID(id)
		assert.Error(t, err, id)
	}
}

func TestParseTransactionIDAllowsSlashInTopic(t *testing.T) {
	topic, _, offset, err := ParseTransactionID("a/b/3/9")
	require.NoError(t, err)
	assert.Equal(t, "a/b", topic)
	assert.Equal(t, int64(9), offset)
}
