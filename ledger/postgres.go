package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flashbots/secagg/protocol"
	_ "github.com/lib/pq"
)

// PostgresLedger implements protocol.Ledger on PostgreSQL.
type PostgresLedger struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresLedger connects to the database and creates the schema if needed.
func NewPostgresLedger(config *PostgresConfig) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	l := &PostgresLedger{db: db}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return l, nil
}

func (l *PostgresLedger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS participants (
		id VARCHAR(128) PRIMARY KEY,
		name VARCHAR(256) NOT NULL DEFAULT '',
		permitted_to_global_model BOOLEAN NOT NULL DEFAULT FALSE,
		global_model_pointer VARCHAR(256) NOT NULL DEFAULT '',
		global_model_round BIGINT NOT NULL DEFAULT 0,
		stake DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_round BIGINT NOT NULL DEFAULT 0,
		registered_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS contributions (
		seq BIGSERIAL UNIQUE,
		participant_id VARCHAR(128) NOT NULL REFERENCES participants(id),
		round_num BIGINT NOT NULL,
		pointer VARCHAR(256) NOT NULL,
		recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (participant_id, round_num)
	);

	CREATE TABLE IF NOT EXISTS global_results (
		seq BIGSERIAL PRIMARY KEY,
		participant_id VARCHAR(128) NOT NULL REFERENCES participants(id),
		round_num BIGINT NOT NULL,
		pointer VARCHAR(256) NOT NULL,
		recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_contributions_round ON contributions(round_num);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx, schema)
	return err
}

func contributionTx(seq int64) string { return fmt.Sprintf("pg-c-%d", seq) }
func resultTx(seq int64) string       { return fmt.Sprintf("pg-r-%d", seq) }

func (l *PostgresLedger) RegisterParticipant(ctx context.Context, id, name string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyID
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
	INSERT INTO participants (id, name) VALUES ($1, $2)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, id, name)
	return err
}

const participantColumns = `id, name, permitted_to_global_model, global_model_pointer, global_model_round, stake, last_round, registered_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (*protocol.ParticipantRecord, error) {
	var (
		p       protocol.ParticipantRecord
		pointer string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.PermittedToGlobalModel, &pointer, &p.GlobalModelRound, &p.Stake, &p.LastRound, &p.RegisteredAt); err != nil {
		return nil, err
	}
	p.GlobalModelPointer = protocol.Pointer(pointer)
	return &p, nil
}

func (l *PostgresLedger) GetParticipant(ctx context.Context, id string) (*protocol.ParticipantRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p, err := scanParticipant(l.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", protocol.ErrParticipantNotFound, id)
	}
	return p, err
}

func (l *PostgresLedger) ListParticipants(ctx context.Context) ([]*protocol.ParticipantRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*protocol.ParticipantRecord
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) SetPermission(ctx context.Context, id string, permitted bool) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := l.db.ExecContext(ctx, `UPDATE participants SET permitted_to_global_model = $2 WHERE id = $1`, id, permitted)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", protocol.ErrParticipantNotFound, id)
	}
	return nil
}

func (l *PostgresLedger) RecordContribution(ctx context.Context, id string, round uint64, pointer protocol.Pointer) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT TRUE FROM participants WHERE id = $1 FOR UPDATE`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", protocol.ErrParticipantNotFound, id)
	} else if err != nil {
		return "", err
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
	INSERT INTO contributions (participant_id, round_num, pointer) VALUES ($1, $2, $3)
	ON CONFLICT (participant_id, round_num) DO NOTHING
	RETURNING seq
	`, id, round, string(pointer)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s round %d", protocol.ErrAlreadyRecorded, id, round)
	} else if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE participants SET last_round = GREATEST(last_round, $2) WHERE id = $1`, id, round); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return contributionTx(seq), nil
}

func (l *PostgresLedger) GetContribution(ctx context.Context, id string, round uint64) (*protocol.ContributionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		c       = protocol.ContributionRecord{ParticipantID: id, Round: round}
		pointer string
		seq     int64
	)
	err := l.db.QueryRowContext(ctx, `
	SELECT seq, pointer, recorded_at FROM contributions WHERE participant_id = $1 AND round_num = $2
	`, id, round).Scan(&seq, &pointer, &c.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s round %d", protocol.ErrContributionNotFound, id, round)
	} else if err != nil {
		return nil, err
	}
	c.Pointer = protocol.Pointer(pointer)
	c.TxID = contributionTx(seq)
	return &c, nil
}

func (l *PostgresLedger) GetRoundSubmissionCount(ctx context.Context, round uint64) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var count int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM contributions WHERE round_num = $1`, round).Scan(&count)
	return count, err
}

func (l *PostgresLedger) RecordGlobalResult(ctx context.Context, id string, round uint64, pointer protocol.Pointer) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	UPDATE participants SET global_model_pointer = $2, global_model_round = $3 WHERE id = $1
	`, id, string(pointer), round)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", fmt.Errorf("%w: %s", protocol.ErrParticipantNotFound, id)
	}

	var seq int64
	err = tx.QueryRowContext(ctx, `
	INSERT INTO global_results (participant_id, round_num, pointer) VALUES ($1, $2, $3) RETURNING seq
	`, id, round, string(pointer)).Scan(&seq)
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return resultTx(seq), nil
}

// Close closes the database connection.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
