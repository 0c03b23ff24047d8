package postgres_test

import (
	"context"
	"testing"
	"time"

	"mdprovider/config"
	"mdprovider/pkg/storage/postgres"
)

func testConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "yourpw",
		DBName:   "mdprovider",
		SSLMode:  "disable",
		TimeZone: "UTC",

		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 1 * time.Hour,
	}
}

// testClient connects to the local archive DB, skipping when none is up.
func testClient(t *testing.T) *postgres.PostgresClient {
	t.Helper()

	cfg := testConfig()
	client, err := postgres.NewClient(cfg.DSN("dev"))
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !client.IsHealthy(ctx) {
		t.Skip("postgres not healthy")
	}
	return client
}

// go test -v --run ^TestPostgresInvalidDSN$
func TestPostgresInvalidDSN(t *testing.T) {
	invalidDSN := "host=invalid port=5432 user=fail password=fail dbname=fail sslmode=disable"

	_, err := postgres.NewClient(invalidDSN)
	if err == nil {
		t.Fatal("expected error for invalid DSN, got nil")
	}
}

// go test -v --run ^TestPostgresClientWithConfig$
func TestPostgresClientWithConfig(t *testing.T) {
	client := testClient(t)
	defer client.Close()

	if err := client.AutoMigrateKlineRecord(); err != nil {
		t.Fatalf("auto migration failed: %v", err)
	}
}
