package db_test

import (
	"context"
	"testing"

	"github.com/onnwee/streamvault/db"
	"github.com/onnwee/streamvault/testutil"
)

func TestMigrateIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)

	// SetupTestDB already migrated once; running again must be a no-op.
	for i := 0; i < 2; i++ {
		if err := db.Migrate(context.Background(), database); err != nil {
			t.Fatalf("migrate pass %d: %v", i+2, err)
		}
	}

	for _, table := range []string{"channels", "sessions", "artifacts", "credentials", "kv"} {
		var exists bool
		err := database.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)`, table).Scan(&exists)
		if err != nil {
			t.Fatal(err)
		}
		if !exists {
			t.Errorf("table %s missing after migrate", table)
		}
	}
}
