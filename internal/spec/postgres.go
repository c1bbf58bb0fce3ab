package spec

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
)

// PostgresStore reads specifications from the product database. The
// specifications table is owned by the dashboard; the pipeline never writes
// to it.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetSpecification(ctx context.Context, id, ownerID string) (Specification, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, owner_id, name, description, personality, tools
		  from specifications
		 where id = $1`, id)

	var sp Specification
	var personality, tools []byte
	if err := row.Scan(&sp.ID, &sp.OwnerID, &sp.Name, &sp.Description, &personality, &tools); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Specification{}, ErrNotFound
		}
		return Specification{}, errors.Wrap(err, "read specification")
	}
	if ownerID != "" && sp.OwnerID != ownerID {
		return Specification{}, ErrNotFound
	}
	if len(personality) > 0 {
		if err := json.Unmarshal(personality, &sp.Personality); err != nil {
			return Specification{}, errors.Wrapf(err, "decode personality for %s", id)
		}
	}
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &sp.Tools); err != nil {
			return Specification{}, errors.Wrapf(err, "decode tools for %s", id)
		}
	}
	return sp, nil
}
