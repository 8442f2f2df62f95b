package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/pkg/domain"
)

func TestContentIDFor(t *testing.T) {
	id := ContentIDFor([]byte("hello"))
	assert.Equal(t, domain.ContentID("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"), id)

	parsed, err := domain.ParseContentID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestUploadSigningPayload(t *testing.T) {
	meta := Metadata{ResourceType: "lab_result", ContentType: "application/pdf"}
	a, err := UploadSigningPayload("p1", "doc1", meta, ContentIDFor([]byte("x")))
	require.NoError(t, err)
	b, err := UploadSigningPayload("p1", "doc1", meta, ContentIDFor([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, string(a), `"action":"records.upload"`)

	c, err := UploadSigningPayload("p1", "doc1", meta, ContentIDFor([]byte("y")))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
