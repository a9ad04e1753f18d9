package geo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"matchmaking-workers/internal/common/logger"
)

const resolvePostalCodeQuery = `SELECT latitude, longitude FROM postal_codes WHERE code = $1`

// PostgresGeocoder looks codes up in the postal_codes table.
type PostgresGeocoder struct {
	db     *sql.DB
	logger logger.Logger
}

func NewPostgresGeocoder(db *sql.DB, log logger.Logger) *PostgresGeocoder {
	return &PostgresGeocoder{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "postgres-geocoder"}),
	}
}

// Lookup returns found=false for unknown codes and an error when the query
// itself fails.
func (g *PostgresGeocoder) Lookup(ctx context.Context, postalCode string) (Point, bool, error) {
	var p Point
	err := g.db.QueryRowContext(ctx, resolvePostalCodeQuery, NormalizePostalCode(postalCode)).Scan(&p.Lat, &p.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return Point{}, false, nil
	}
	if err != nil {
		g.logger.Warn("postal code lookup failed", map[string]interface{}{
			"postalCode": postalCode,
			"error":      err.Error(),
		})
		return Point{}, false, fmt.Errorf("resolve postal code %s: %w", postalCode, err)
	}
	return p, true, nil
}

func (g *PostgresGeocoder) Resolve(ctx context.Context, postalCode string) (Point, bool) {
	p, found, err := g.Lookup(ctx, postalCode)
	if err != nil {
		return Point{}, false
	}
	return p, found
}
