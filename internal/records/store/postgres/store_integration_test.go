//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"carevault/internal/records/catalogtest"
	"carevault/internal/records/service"
	pgstore "carevault/internal/records/store/postgres"
	"carevault/pkg/testutil/containers"
)

func TestPostgresCatalogueContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	catalogtest.RunCatalogueContract(t, func(t *testing.T) service.Catalogue {
		if err := pg.Truncate(context.Background(), "record_catalogue"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return pgstore.New(pg.DB)
	})
}
