package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
)

// ========================
// Location storage helpers
// ========================

// InsertLocation appends one record and returns it with its assigned ID.
// Records are immutable after this point: there is no update or delete.
// NaN coordinates are persisted as SQL NULL and surface as NaN again on read,
// keeping the accept-don't-reject coercion contract symmetrical.
func (db *Database) InsertLocation(ctx context.Context, loc Location) (Location, error) {
	if db == nil || db.DB == nil {
		return Location{}, fmt.Errorf("database not initialized")
	}

	loc.ID = db.NextID()

	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(
		`INSERT INTO locations (id, name, lat, lng, timestamp) VALUES (%s, %s, %s, %s, %s);`,
		next(), next(), next(), next(), next(),
	)

	if _, err := db.DB.ExecContext(ctx, query,
		loc.ID, loc.Name, coordArg(loc.Lat), coordArg(loc.Lng), loc.Timestamp,
	); err != nil {
		return Location{}, fmt.Errorf("insert location: %w", err)
	}
	return loc, nil
}

// coordArg converts a Coord into a driver-friendly bind value. Drivers
// disagree about IEEE NaN, so we normalise it to NULL before it reaches them.
func coordArg(c Coord) any {
	if c.NaN() {
		return nil
	}
	return float64(c)
}

// StreamLocations streams every record newest-first over a channel so the
// HTTP handler can start encoding before the full result set is in memory.
// The error channel delivers exactly one value once the stream closes.
func (db *Database) StreamLocations(ctx context.Context) (<-chan Location, <-chan error) {
	out := make(chan Location)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		if db == nil || db.DB == nil {
			errs <- fmt.Errorf("database not initialized")
			return
		}

		// RFC3339 UTC strings sort lexicographically, so ordering by the raw
		// text column is ordering by creation time. Single-column ORDER BY
		// keeps the query inside Genji's SQL subset.
		rows, err := db.DB.QueryContext(ctx,
			`SELECT id, name, lat, lng, timestamp FROM locations ORDER BY timestamp DESC;`)
		if err != nil {
			errs <- fmt.Errorf("list locations: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				loc      Location
				lat, lng sql.NullFloat64
			)
			if err := rows.Scan(&loc.ID, &loc.Name, &lat, &lng, &loc.Timestamp); err != nil {
				errs <- fmt.Errorf("scan location: %w", err)
				return
			}
			loc.Lat = nullableCoord(lat)
			loc.Lng = nullableCoord(lng)

			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case out <- loc:
			}
		}

		if err := rows.Err(); err != nil {
			errs <- fmt.Errorf("iterate locations: %w", err)
			return
		}

		errs <- nil
	}()

	return out, errs
}

func nullableCoord(v sql.NullFloat64) Coord {
	if !v.Valid {
		return Coord(math.NaN())
	}
	return Coord(v.Float64)
}

// CountLocations returns the total number of stored records.
func (db *Database) CountLocations(ctx context.Context) (int64, error) {
	if db == nil || db.DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}
	var count int64
	if err := db.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM locations;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count locations: %w", err)
	}
	return count, nil
}
