package database

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// Share link storage helpers
// ==========================

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
const shareCodeLength = 8

// GetOrCreateShareLink returns the persistent short code for a map-view URL,
// creating one when the target has never been shared before. Codes are stable
// per target so repeated shares of the same view hand out the same link.
func (db *Database) GetOrCreateShareLink(ctx context.Context, target string) (string, error) {
	if db == nil || db.DB == nil {
		return "", errors.New("database not initialized")
	}
	cleaned := strings.TrimSpace(target)
	if cleaned == "" {
		return "", errors.New("empty target")
	}
	if len(cleaned) > 4096 {
		return "", errors.New("target too long")
	}

	if existing, err := db.lookupShareLinkByTarget(ctx, cleaned); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}

	// Probe-then-insert: a concurrent writer can win the race on the UNIQUE
	// target column, in which case we simply return its code.
	const maxAttempts = 64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		code, err := db.randomUnusedCode(ctx)
		if err != nil {
			return "", err
		}

		next := newPlaceholderGenerator(db.Driver)
		query := fmt.Sprintf(
			`INSERT INTO share_links (id, code, target, created_at) VALUES (%s, %s, %s, %s);`,
			next(), next(), next(), next(),
		)
		_, err = db.DB.ExecContext(ctx, query,
			db.NextID(), code, cleaned, time.Now().UTC().Format(time.RFC3339))
		if err == nil {
			return code, nil
		}

		if existing, lookupErr := db.lookupShareLinkByTarget(ctx, cleaned); lookupErr == nil && existing != "" {
			return existing, nil
		}
	}
	return "", errors.New("could not allocate share code")
}

// ResolveShareLink maps a short code back to its stored target URL.
// sql.ErrNoRows propagates for unknown codes so callers can answer 404.
func (db *Database) ResolveShareLink(ctx context.Context, code string) (string, error) {
	if db == nil || db.DB == nil {
		return "", errors.New("database not initialized")
	}
	trimmed := strings.TrimSpace(code)
	if trimmed == "" || !isBase62(trimmed) {
		return "", sql.ErrNoRows
	}

	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT target FROM share_links WHERE code = %s;`, next())

	var target string
	if err := db.DB.QueryRowContext(ctx, query, trimmed).Scan(&target); err != nil {
		return "", err
	}
	return target, nil
}

func (db *Database) lookupShareLinkByTarget(ctx context.Context, target string) (string, error) {
	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT code FROM share_links WHERE target = %s;`, next())

	var code string
	err := db.DB.QueryRowContext(ctx, query, target).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup share link: %w", err)
	}
	return code, nil
}

func (db *Database) shareCodeExists(ctx context.Context, code string) (bool, error) {
	next := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM share_links WHERE code = %s;`, next())

	var count int64
	if err := db.DB.QueryRowContext(ctx, query, code).Scan(&count); err != nil {
		return false, fmt.Errorf("probe share code: %w", err)
	}
	return count > 0, nil
}

// randomUnusedCode draws base62 codes from crypto/rand until one is free.
func (db *Database) randomUnusedCode(ctx context.Context) (string, error) {
	const maxAttempts = 32
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		code, err := randomBase62(shareCodeLength)
		if err != nil {
			return "", err
		}
		exists, err := db.shareCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("no free share code found")
}

func randomBase62(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random code: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}
	return string(out), nil
}

func isBase62(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'Z':
		case r >= 'a' && r <= 'z':
		default:
			return false
		}
	}
	return true
}
