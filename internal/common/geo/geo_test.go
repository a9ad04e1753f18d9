package geo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"matchmaking-workers/internal/common/logger"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceMiles(t *testing.T) {
	mission := Point{Lat: 37.7485, Lng: -122.4184}
	soma := Point{Lat: 37.7725, Lng: -122.4147}
	nyc := Point{Lat: 40.7506, Lng: -73.9972}

	assert.Equal(t, 0.0, DistanceMiles(mission, mission))
	assert.InDelta(t, 1.67, DistanceMiles(mission, soma), 0.05)
	assert.InDelta(t, 2570, DistanceMiles(mission, nyc), 15)
	assert.Equal(t, DistanceMiles(mission, nyc), DistanceMiles(nyc, mission))
}

func TestStaticGeocoder_Resolve(t *testing.T) {
	g := NewStaticGeocoder(map[string]Point{
		"94110":    {Lat: 37.7485, Lng: -122.4184},
		"sw1a 1aa": {Lat: 51.5010, Lng: -0.1416},
	})

	p, ok := g.Resolve(context.Background(), " 94110 ")
	assert.True(t, ok)
	assert.Equal(t, 37.7485, p.Lat)

	_, ok = g.Resolve(context.Background(), "SW1A1AA")
	assert.True(t, ok)

	_, ok = g.Resolve(context.Background(), "00000")
	assert.False(t, ok)
}

type countingSource struct {
	calls int
	errs  []error
	inner Source
}

func (c *countingSource) Lookup(ctx context.Context, code string) (Point, bool, error) {
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return Point{}, false, err
		}
	}
	return c.inner.Lookup(ctx, code)
}

func TestCachingGeocoder_MemoizesHitsAndMisses(t *testing.T) {
	inner := &countingSource{inner: NewStaticGeocoder(map[string]Point{"94110": {Lat: 1, Lng: 2}})}
	g := NewCachingGeocoder(inner, CacheOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok := g.Resolve(ctx, "94110")
		assert.True(t, ok)
		_, ok = g.Resolve(ctx, "99999")
		assert.False(t, ok)
	}

	assert.Equal(t, 2, inner.calls)
}

func TestCachingGeocoder_DoesNotRememberFailures(t *testing.T) {
	inner := &countingSource{
		errs:  []error{errors.New("connection reset")},
		inner: NewStaticGeocoder(map[string]Point{"94110": {Lat: 1, Lng: 2}}),
	}
	g := NewCachingGeocoder(inner, CacheOptions{})
	ctx := context.Background()

	_, ok := g.Resolve(ctx, "94110")
	assert.False(t, ok, "lookup error resolves as unknown")
	assert.Equal(t, 0, g.Len())

	p, ok := g.Resolve(ctx, "94110")
	assert.True(t, ok, "recovered backend is consulted again")
	assert.Equal(t, Point{Lat: 1, Lng: 2}, p)
	assert.Equal(t, 2, inner.calls)
}

func TestCachingGeocoder_MissesExpire(t *testing.T) {
	inner := &countingSource{inner: NewStaticGeocoder(nil)}
	g := NewCachingGeocoder(inner, CacheOptions{MissTTL: time.Minute})
	now := time.Now()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	g.Resolve(ctx, "99999")
	g.Resolve(ctx, "99999")
	assert.Equal(t, 1, inner.calls)

	now = now.Add(2 * time.Minute)
	g.Resolve(ctx, "99999")
	assert.Equal(t, 2, inner.calls)
}

func TestCachingGeocoder_Bounded(t *testing.T) {
	inner := &countingSource{inner: NewStaticGeocoder(nil)}
	g := NewCachingGeocoder(inner, CacheOptions{MaxEntries: 20})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		g.Resolve(ctx, fmt.Sprintf("code-%d", i))
	}
	assert.LessOrEqual(t, g.Len(), 20)

	g.Resolve(ctx, "code-99")
	assert.Equal(t, 100, inner.calls, "newest entries survive eviction")
	g.Resolve(ctx, "code-0")
	assert.Equal(t, 101, inner.calls, "oldest entries were dropped")
}

func TestPostgresGeocoder_Resolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT latitude, longitude FROM postal_codes WHERE code = \$1`).
		WithArgs("94110").
		WillReturnRows(sqlmock.NewRows([]string{"latitude", "longitude"}).AddRow(37.7485, -122.4184))
	mock.ExpectQuery(`SELECT latitude, longitude FROM postal_codes WHERE code = \$1`).
		WithArgs("00000").
		WillReturnError(sql.ErrNoRows)

	g := NewPostgresGeocoder(db, logger.NewTestLogger(t))

	p, ok := g.Resolve(context.Background(), "94110")
	assert.True(t, ok)
	assert.Equal(t, Point{Lat: 37.7485, Lng: -122.4184}, p)

	_, ok = g.Resolve(context.Background(), "00000")
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGeocoder_LookupReportsQueryErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	query := `SELECT latitude, longitude FROM postal_codes WHERE code = \$1`
	mock.ExpectQuery(query).WithArgs("94110").WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery(query).WithArgs("94110").
		WillReturnRows(sqlmock.NewRows([]string{"latitude", "longitude"}).AddRow(37.7485, -122.4184))
	mock.ExpectQuery(query).WithArgs("00000").WillReturnError(sql.ErrNoRows)

	pg := NewPostgresGeocoder(db, logger.NewTestLogger(t))
	g := NewCachingGeocoder(pg, CacheOptions{})
	ctx := context.Background()

	_, found, err := pg.Lookup(ctx, "94110")
	assert.Error(t, err)
	assert.False(t, found)

	p, ok := g.Resolve(ctx, "94110")
	assert.True(t, ok)
	assert.Equal(t, Point{Lat: 37.7485, Lng: -122.4184}, p)

	_, found, err = pg.Lookup(ctx, "00000")
	assert.NoError(t, err, "unknown code is not a failure")
	assert.False(t, found)

	assert.NoError(t, mock.ExpectationsWereMet())
}
