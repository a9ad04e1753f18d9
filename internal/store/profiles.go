// Package store loads matching profiles from Postgres and selects candidates
// through Elasticsearch.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/matching"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

var ErrProfileNotFound = errors.New("profile not found")

const profileColumns = `p.id, p.bio, p.embedding, p.interests, p.age, p.location, p.visibility`

const (
	queryProfileByID = `SELECT ` + profileColumns + `
		FROM profiles p
		WHERE p.id = $1 AND p.deleted_at IS NULL`

	queryProfilesByIDs = `SELECT ` + profileColumns + `
		FROM profiles p
		WHERE p.id = ANY($1) AND p.deleted_at IS NULL`

	queryOtherProfiles = `SELECT ` + profileColumns + `
		FROM profiles p
		WHERE p.id <> $1 AND p.deleted_at IS NULL
		ORDER BY p.updated_at DESC, p.id
		LIMIT $2`

	queryEventAttendees = `SELECT ` + profileColumns + `
		FROM event_attendees ea
		JOIN profiles p ON p.id = ea.profile_id
		WHERE ea.event_id = $1 AND ea.status = 'going' AND p.id <> $2 AND p.deleted_at IS NULL
		ORDER BY p.id
		LIMIT $3`

	updateEmbedding = `UPDATE profiles SET embedding = $2, updated_at = NOW() WHERE id = $1`

	clearEmbedding = `UPDATE profiles SET embedding = NULL, updated_at = NOW() WHERE id = $1`
)

// ProfileStore reads profile snapshots. Rows are immutable from the engine's
// point of view; only the embedding worker writes back.
type ProfileStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewProfileStore(db *sql.DB, log logger.Logger) *ProfileStore {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &ProfileStore{db: db, logger: log}
}

func (s *ProfileStore) Get(ctx context.Context, id string) (*matching.Profile, error) {
	p, err := s.scanProfile(s.db.QueryRowContext(ctx, queryProfileByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", id, err)
	}
	return p, nil
}

// GetMany returns the profiles that exist, in the order of ids. Unknown ids are
// reported in missing.
func (s *ProfileStore) GetMany(ctx context.Context, ids []string) (profiles []*matching.Profile, missing []string, err error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	rows, err := s.db.QueryContext(ctx, queryProfilesByIDs, pq.Array(ids))
	if err != nil {
		return nil, nil, fmt.Errorf("load profiles: %w", err)
	}
	found, err := s.collectProfiles(rows)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*matching.Profile, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			profiles = append(profiles, p)
		} else {
			missing = append(missing, id)
		}
	}
	return profiles, missing, nil
}

// ListOthers returns up to limit profiles other than excludeID, most recently
// updated first.
func (s *ProfileStore) ListOthers(ctx context.Context, excludeID string, limit int) ([]*matching.Profile, error) {
	rows, err := s.db.QueryContext(ctx, queryOtherProfiles, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return s.collectProfiles(rows)
}

// ListEventAttendees returns the confirmed attendees of eventID, minus excludeID.
func (s *ProfileStore) ListEventAttendees(ctx context.Context, eventID, excludeID string, limit int) ([]*matching.Profile, error) {
	rows, err := s.db.QueryContext(ctx, queryEventAttendees, eventID, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attendees of %s: %w", eventID, err)
	}
	return s.collectProfiles(rows)
}

func (s *ProfileStore) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	return s.exec(ctx, id, updateEmbedding, id, pgvector.NewVector(embedding))
}

func (s *ProfileStore) ClearEmbedding(ctx context.Context, id string) error {
	return s.exec(ctx, id, clearEmbedding, id)
}

func (s *ProfileStore) exec(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanProfile reads one row. A malformed visibility column degrades to nil,
// which shares nothing.
func (s *ProfileStore) scanProfile(row rowScanner) (*matching.Profile, error) {
	var (
		p          matching.Profile
		bio        sql.NullString
		embedding  *pgvector.Vector
		interests  pq.StringArray
		age        sql.NullInt64
		location   sql.NullString
		visibility []byte
	)

	if err := row.Scan(&p.ID, &bio, &embedding, &interests, &age, &location, &visibility); err != nil {
		return nil, err
	}

	p.Bio = bio.String
	p.Location = strings.TrimSpace(location.String)
	p.Interests = []string(interests)
	if embedding != nil {
		p.Embedding = embedding.Slice()
	}
	if age.Valid {
		v := int(age.Int64)
		p.Age = &v
	}

	vis, err := parseVisibility(visibility)
	if err != nil {
		s.logger.Warn("malformed visibility settings, sharing nothing", map[string]interface{}{
			"profileId": p.ID,
			"error":     err.Error(),
		})
	}
	p.Visibility = vis
	return &p, nil
}

// parseVisibility decodes the JSONB settings column. Unknown keys are ignored;
// NULL shares nothing.
func parseVisibility(raw []byte) (matching.Visibility, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var settings map[string]bool
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("decode visibility: %w", err)
	}

	vis := make(matching.Visibility, len(matching.Fields))
	for _, f := range matching.Fields {
		if settings[string(f)] {
			vis[f] = true
		}
	}
	return vis, nil
}

// collectProfiles drains rows. A row that cannot be scanned is logged and
// skipped so one bad profile does not sink a batch; iteration errors still fail.
func (s *ProfileStore) collectProfiles(rows *sql.Rows) ([]*matching.Profile, error) {
	defer rows.Close()

	var out []*matching.Profile
	for rows.Next() {
		p, err := s.scanProfile(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable profile row", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}
