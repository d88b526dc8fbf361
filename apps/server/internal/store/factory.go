package store

import (
	"fmt"
	"os"
	"strings"
)

const (
	ModeSQLite   = "sqlite"
	ModePostgres = "postgres"
)

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func storeModeFromEnv() string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_MODE")))
	switch raw {
	case "", ModePostgres, "postgresql", "db":
		return ModePostgres
	case ModeSQLite, "local":
		return ModeSQLite
	default:
		return raw
	}
}

// NewFromEnv builds the store selected by STORE_MODE. Postgres is the
// default; sqlite backs local development and tests.
func NewFromEnv() (Store, string, error) {
	mode := storeModeFromEnv()

	switch mode {
	case ModePostgres:
		s, err := NewPostgresStoreFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return s, mode, nil
	case ModeSQLite:
		s, err := NewSQLiteStoreFromEnv()
		if err != nil {
			return nil, mode, err
		}
		return s, mode, nil
	default:
		return nil, mode, fmt.Errorf("invalid STORE_MODE %q (supported: %s, %s)", mode, ModeSQLite, ModePostgres)
	}
}
