package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/itskum47/accountforge/control_plane/model"
)

// Dialect selects placeholder syntax. Every statement below is written with
// '?' placeholders and portable DDL.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements the Store interface over database/sql. Records are
// stored as JSON documents next to the columns used for filtering and
// ordering.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	closers []func()
}

// NewSQLStore wraps an open handle. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sql store: db is nil")
	}
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("sql store: unknown dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// rebind rewrites '?' placeholders as $1, $2, ... for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// --- Account Operations ---

func (s *SQLStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO accounts (account_id, state, created_at, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			state = EXCLUDED.state,
			body = EXCLUDED.body
	`
	if err := s.exec(ctx, query, a.ID, string(a.State), a.CreatedAt.UnixMicro(), string(body)); err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) DeleteAccount(ctx context.Context, id string) error {
	if err := s.exec(ctx, `DELETE FROM accounts WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM accounts ORDER BY created_at, account_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var result []*model.Account
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a model.Account
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// --- Proxy Operations ---

func (s *SQLStore) UpsertProxy(ctx context.Context, p *model.Proxy) error {
	body, err := json.Marshal(withoutCredentials(p))
	if err != nil {
		return err
	}
	query := `
		INSERT INTO proxies (proxy_id, address, health, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (proxy_id) DO UPDATE SET
			health = EXCLUDED.health,
			body = EXCLUDED.body
	`
	if err := s.exec(ctx, query, p.ID, p.Address, string(p.Health), string(body)); err != nil {
		return fmt.Errorf("upsert proxy %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLStore) DeleteProxy(ctx context.Context, id string) error {
	if err := s.exec(ctx, `DELETE FROM proxies WHERE proxy_id = ?`, id); err != nil {
		return fmt.Errorf("delete proxy %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) ListProxies(ctx context.Context) ([]*model.Proxy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM proxies ORDER BY proxy_id`)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var result []*model.Proxy
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p model.Proxy
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("decode proxy: %w", err)
		}
		result = append(result, &p)
	}
	return result, rows.Err()
}

// --- Action Operations ---

func (s *SQLStore) UpsertAction(ctx context.Context, a *model.Action) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO actions (action_id, account_id, status, created_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (action_id) DO UPDATE SET
			status = EXCLUDED.status,
			body = EXCLUDED.body
	`
	if err := s.exec(ctx, query, a.ID, a.AccountID, string(a.Status), a.CreatedAt.UnixMicro(), string(body)); err != nil {
		return fmt.Errorf("upsert action %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) ListActions(ctx context.Context, accountID string, limit int) ([]*model.Action, error) {
	query := `SELECT body FROM actions`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at DESC, action_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var result []*model.Action
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a model.Action
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, fmt.Errorf("decode action: %w", err)
		}
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest first from the query; callers get oldest first.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// Close closes the handle and anything the constructor opened with it.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	for _, c := range s.closers {
		c()
	}
	return err
}
