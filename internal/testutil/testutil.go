package testutil

import (
	"context"
	"testing"

	"github.com/funnel-goat/funnel-goat/internal/store"
)

const Tenant = "tenant-test"

// SetupTestStore creates a test database and returns the store.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := tmpDir + "/test.db"

	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// SeedFunnel creates an active funnel for Tenant with the given page order.
func SeedFunnel(t *testing.T, s store.Store, name string, pages ...string) *store.Funnel {
	t.Helper()

	f := &store.Funnel{TenantID: Tenant, Name: name, Status: store.FunnelActive, PageIDs: pages}
	if err := s.CreateFunnel(context.Background(), f); err != nil {
		t.Fatalf("failed to create funnel: %v", err)
	}
	return f
}

// SeedVariant adds a variant to the funnel. The first variant of a funnel
// should be seeded as the control.
func SeedVariant(t *testing.T, s store.Store, f *store.Funnel, key string, weight float64, control bool) *store.Variant {
	t.Helper()

	v := &store.Variant{
		TenantID:          f.TenantID,
		FunnelID:          f.ID,
		Key:               key,
		Name:              "Variant " + key,
		TrafficPercentage: weight,
		IsControl:         control,
	}
	if err := s.CreateVariant(context.Background(), v); err != nil {
		t.Fatalf("failed to create variant %s: %v", key, err)
	}
	return v
}
