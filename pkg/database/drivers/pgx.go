package drivers

import (
	// The pgx stdlib shim registers itself under the "pgx" driver name, which
	// is exactly what NewDatabase asks database/sql for when PostgreSQL is
	// selected.
	_ "github.com/jackc/pgx/v5/stdlib"
)
