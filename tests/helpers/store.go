// Package helpers provides shared test fixtures.
package helpers

import (
	"testing"

	"github.com/durasess/durasess/internal/history"
)

func NewTestSQLiteStore(t *testing.T) *history.SQLiteStore {
	t.Helper()

	s, err := history.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
