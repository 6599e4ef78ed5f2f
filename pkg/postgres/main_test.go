package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/malbeclabs/treasury/pkg/postgres"
	treasurytesting "github.com/malbeclabs/treasury/utils/pkg/testing"
)

var (
	log = treasurytesting.NewLogger()
	db  *treasurytesting.DB
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var err error
	db, err = treasurytesting.NewDB(ctx, log, nil)
	if err != nil {
		log.Error("failed to start postgres container", "error", err)
		os.Exit(1)
	}

	// Apply migrations once up front so parallel test clients connect to a
	// fully migrated database.
	client, err := postgres.NewClient(ctx, postgres.Config{
		Logger:           log,
		ConnStr:          db.ConnStr(),
		MigrateOnConnect: true,
	})
	if err != nil {
		log.Error("failed to migrate test database", "error", err)
		db.Close()
		os.Exit(1)
	}
	client.Close()

	code := m.Run()
	db.Close()
	os.Exit(code)
}

// newTestClient connects a client to the shared test container. Migrations
// already ran in TestMain, so the on-connect run is a no-op.
func newTestClient(t *testing.T) *postgres.Client {
	t.Helper()

	client, err := postgres.NewClient(t.Context(), postgres.Config{
		Logger:           log,
		ConnStr:          db.ConnStr(),
		MigrateOnConnect: true,
	})
	if err != nil {
		t.Fatalf("failed to create postgres client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
