package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"

	"fixtureforge/internal/fixtures/models"
	"fixtureforge/internal/platform/sentinel"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore persists fixtures in PostgreSQL over the write-path pool.
// This store is pure I/O; locking and retry policy live in the engine.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed fixture store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the fixture schema. Safe to call on every start.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure fixture schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertIdentity(ctx context.Context, ident models.TestIdentity) error {
	query := `
		INSERT INTO fixture_identities (id, email, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET
			display_name = EXCLUDED.display_name
	`
	if _, err := s.db.ExecContext(ctx, query, ident.ID, ident.Email, ident.DisplayName); err != nil {
		return classify(fmt.Errorf("upsert identity %s: %w", ident.Email, err))
	}
	return nil
}

// IdentityByEmail is a point lookup by the identity's unique key.
func (s *PostgresStore) IdentityByEmail(ctx context.Context, email string) (models.TestIdentity, error) {
	query := `SELECT id, email, display_name FROM fixture_identities WHERE email = $1`
	var ident models.TestIdentity
	err := s.db.QueryRowContext(ctx, query, email).Scan(&ident.ID, &ident.Email, &ident.DisplayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TestIdentity{}, fmt.Errorf("identity %s: %w", email, sentinel.ErrNotFound)
		}
		return models.TestIdentity{}, classify(fmt.Errorf("get identity %s: %w", email, err))
	}
	return ident, nil
}

func (s *PostgresStore) MembershipByOwner(ctx context.Context, ownerID string) (models.Membership, error) {
	return membershipByOwner(ctx, s.db, ownerID)
}

// EnsureGroup applies the group and all memberships in one transaction:
// find-or-create by unique name, owner ADMIN membership, then each declared
// member with its role.
func (s *PostgresStore) EnsureGroup(ctx context.Context, grp models.TestGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin ensure group %s: %w", grp.Name, err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// The no-op DO UPDATE makes RETURNING yield the surviving row's id
	// whether this call created the group or found it.
	var groupID string
	findOrCreate := `
		INSERT INTO fixture_groups (id, name, owner_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`
	if err := tx.QueryRowContext(ctx, findOrCreate, grp.ID, grp.Name, grp.OwnerID).Scan(&groupID); err != nil {
		return classify(fmt.Errorf("find-or-create group %s: %w", grp.Name, err))
	}

	upsertMember := `
		INSERT INTO fixture_group_members (group_id, identity_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, identity_id) DO UPDATE SET role = EXCLUDED.role
	`
	if _, err := tx.ExecContext(ctx, upsertMember, groupID, grp.OwnerID, models.RoleAdmin); err != nil {
		return classify(fmt.Errorf("upsert owner membership for group %s: %w", grp.Name, err))
	}
	for _, m := range grp.Members {
		if _, err := tx.ExecContext(ctx, upsertMember, groupID, m.IdentityID, m.Role); err != nil {
			return classify(fmt.Errorf("upsert member %s for group %s: %w", m.IdentityID, grp.Name, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit ensure group %s: %w", grp.Name, err))
	}
	return nil
}

func (s *PostgresStore) GroupMembers(ctx context.Context, groupName string) ([]models.Membership, error) {
	query := `
		SELECT g.name, gm.identity_id, gm.role
		FROM fixture_group_members gm
		JOIN fixture_groups g ON g.id = gm.group_id
		WHERE g.name = $1
		ORDER BY gm.identity_id
	`
	rows, err := s.db.QueryContext(ctx, query, groupName)
	if err != nil {
		return nil, classify(fmt.Errorf("list members of %s: %w", groupName, err))
	}
	defer rows.Close()

	var out []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.GroupName, &m.IdentityID, &m.Role); err != nil {
			return nil, fmt.Errorf("scan member of %s: %w", groupName, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("list members of %s: %w", groupName, err))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("group %s: %w", groupName, sentinel.ErrNotFound)
	}
	return out, nil
}

// PostgresConsumerReader serves the consumer-path verification over its own
// pool so the read is routed independently of the write path.
type PostgresConsumerReader struct {
	db *sql.DB
}

// NewPostgresConsumerReader wraps a second connection pool (or a replica).
func NewPostgresConsumerReader(db *sql.DB) *PostgresConsumerReader {
	return &PostgresConsumerReader{db: db}
}

func (r *PostgresConsumerReader) MembershipByOwner(ctx context.Context, ownerID string) (models.Membership, error) {
	return membershipByOwner(ctx, r.db, ownerID)
}

func membershipByOwner(ctx context.Context, db *sql.DB, ownerID string) (models.Membership, error) {
	query := `
		SELECT g.name, gm.identity_id, gm.role
		FROM fixture_group_members gm
		JOIN fixture_groups g ON g.id = gm.group_id
		WHERE gm.identity_id = $1
		ORDER BY gm.created_at
		LIMIT 1
	`
	var m models.Membership
	err := db.QueryRowContext(ctx, query, ownerID).Scan(&m.GroupName, &m.IdentityID, &m.Role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Membership{}, fmt.Errorf("membership for %s: %w", ownerID, sentinel.ErrNotFound)
		}
		return models.Membership{}, classify(fmt.Errorf("membership for %s: %w", ownerID, err))
	}
	return m, nil
}

// classify tags retryable driver failures with sentinel.ErrTransientStore so
// the engine's bounded retry loops can tell them from terminal errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exceptions
			"40", // serialization failures, deadlocks
			"57": // operator intervention (shutdown, crash recovery)
			return fmt.Errorf("%w: %w", sentinel.ErrTransientStore, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", sentinel.ErrTransientStore, err)
	}
	return err
}
