package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carevault/internal/crypto/signature"
	"carevault/internal/platform/config"
	"carevault/pkg/domain"
)

func TestBootstrapSeeds(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	seeds, err := bootstrapSeeds([]config.BootstrapIdentity{
		{UserID: "admin-1", Role: "system_admin", SigningKey: signature.EncodeKey(pub)},
	})
	require.NoError(t, err)
	require.Len(t, seeds, 1)
	assert.Equal(t, domain.UserID("admin-1"), seeds[0].UserID)
	assert.Equal(t, domain.RoleSystemAdmin, seeds[0].Role)
	assert.Equal(t, []byte(pub), seeds[0].PublicKeys.SigningKey)
	assert.Empty(t, seeds[0].PublicKeys.EncryptionKey)

	_, err = bootstrapSeeds([]config.BootstrapIdentity{{UserID: "x", Role: "janitor", SigningKey: signature.EncodeKey(pub)}})
	assert.ErrorContains(t, err, "unknown role")

	_, err = bootstrapSeeds([]config.BootstrapIdentity{{UserID: "x", Role: "system_admin", SigningKey: "%%%"}})
	assert.ErrorContains(t, err, "signing key")
}

func TestOpenBackendsInMemory(t *testing.T) {
	cfg := config.Config{Stores: config.Stores{
		Records: config.BackendMemory,
		Nonces:  config.BackendMemory,
		Ledger:  config.BackendMemory,
		Content: config.BackendMemory,
	}}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := openBackends(context.Background(), cfg, log, prometheus.NewRegistry())
	require.NoError(t, err)
	defer b.close(log)

	assert.NotNil(t, b.identityStore)
	assert.NotNil(t, b.consentStore)
	assert.NotNil(t, b.auditStore)
	assert.NotNil(t, b.ledger)
	assert.NotNil(t, b.nonceStore)
	assert.NotNil(t, b.revocation)
	assert.NotNil(t, b.content)
	assert.NotNil(t, b.catalogue)
	assert.Nil(t, b.db)
	assert.Nil(t, b.badger)
}
