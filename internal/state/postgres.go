package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/onnwee/neuralrank/internal/tracing"
)

// PostgresStore keeps states in the ranker_state table created by db.Schema.
type PostgresStore struct {
	db    *sql.DB
	codec Codec
}

// NewPostgresStore creates a store on an open database. codec defaults to CBOR.
func NewPostgresStore(db *sql.DB, codec Codec) *PostgresStore {
	if codec == nil {
		codec = CBORCodec{}
	}
	return &PostgresStore{db: db, codec: codec}
}

// Load implements Store. Rows written with a different codec are decoded with
// that codec.
func (p *PostgresStore) Load(ctx context.Context, name string) (_ *State, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "ranker_state", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT codec, payload
		FROM ranker_state
		WHERE name = $1
	`
	var codecName string
	var payload []byte
	err = p.db.QueryRowContext(ctx, query, name).Scan(&codecName, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	codec, err := CodecFor(codecName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return codec.Decode(payload)
}

// Save implements Store.
func (p *PostgresStore) Save(ctx context.Context, name string, s *State) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "ranker_state", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	b, err := p.codec.Encode(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	query := `
		INSERT INTO ranker_state (name, version, codec, payload, saved_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (name) DO UPDATE
		SET version = EXCLUDED.version,
		    codec = EXCLUDED.codec,
		    payload = EXCLUDED.payload,
		    saved_at = EXCLUDED.saved_at
	`
	if _, err := p.db.ExecContext(ctx, query, name, s.Version, p.codec.Name(), b); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}
