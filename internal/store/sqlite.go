package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "slotcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore enforces tenant isolation at the statement level: every query
// against tenant-owned tables carries a tenant_id predicate, and the tables
// are keyed by (tenant_id, ...) composite primary keys.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const assignmentCols = `id, tenant_id, recipient, slot, priority, status, attempts, last_error, payload, created_at, updated_at`

func (s *sqliteStore) PutAssignment(ctx context.Context, a Assignment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments(`+assignmentCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET
		   slot=excluded.slot, priority=excluded.priority, status=excluded.status,
		   attempts=excluded.attempts, last_error=excluded.last_error,
		   updated_at=excluded.updated_at`,
		a.ID, a.Tenant, a.Recipient, a.Slot, string(a.Priority), string(a.Status),
		a.Attempts, nullStr(a.LastError), a.Payload,
		a.CreatedAt.Format(time.RFC3339Nano), a.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ActiveAssignment(ctx context.Context, tenantID, recipient string) (Assignment, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+assignmentCols+` FROM assignments
		 WHERE tenant_id=? AND recipient=? AND status IN ('queued','failed')
		 ORDER BY created_at DESC LIMIT 1`,
		tenantID, recipient,
	)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, false, nil
	}
	if err != nil {
		return Assignment{}, false, err
	}
	return a, true, nil
}

func (s *sqliteStore) ListQueued(ctx context.Context, tenantID string, limit int) ([]Assignment, error) {
	q := `SELECT ` + assignmentCols + ` FROM assignments
	      WHERE tenant_id=? AND slot<>0 AND status IN ('queued','failed')
	      ORDER BY CASE priority WHEN 'immediate' THEN 0 ELSE 1 END, created_at, recipient`
	args := []any{tenantID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryAssignments(ctx, q, args...)
}

func (s *sqliteStore) ListUnbound(ctx context.Context, tenantID string) ([]Assignment, error) {
	return s.queryAssignments(ctx,
		`SELECT `+assignmentCols+` FROM assignments
		 WHERE tenant_id=? AND slot=0 AND status IN ('queued','failed')
		 ORDER BY CASE priority WHEN 'immediate' THEN 0 ELSE 1 END, created_at, recipient`,
		tenantID,
	)
}

func (s *sqliteStore) QueueDepths(ctx context.Context, tenantID string) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot, COUNT(*) FROM assignments
		 WHERE tenant_id=? AND slot<>0 AND status IN ('queued','failed')
		 GROUP BY slot`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	depths := map[int]int{}
	for rows.Next() {
		var slot, n int
		if err := rows.Scan(&slot, &n); err != nil {
			return nil, err
		}
		depths[slot] = n
	}
	return depths, rows.Err()
}

func (s *sqliteStore) UnbindSlot(ctx context.Context, tenantID string, slot int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET slot=0, status='queued', updated_at=?
		 WHERE tenant_id=? AND slot=? AND status IN ('queued','failed')`,
		time.Now().Format(time.RFC3339Nano), tenantID, slot,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM assignments
		 WHERE status IN ('sent','exhausted','cancelled') AND updated_at < ?`,
		olderThan.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CadenceConfig(ctx context.Context, tenantID string) (CadenceConfig, bool, error) {
	var (
		delayMS             int64
		batch, retries      int
		adaptive, immediate int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT base_delay_ms, batch_size, max_retries, adaptive_mode, immediate_mode
		 FROM cadence_config WHERE tenant_id=?`, tenantID,
	).Scan(&delayMS, &batch, &retries, &adaptive, &immediate)
	if errors.Is(err, sql.ErrNoRows) {
		return CadenceConfig{}, false, nil
	}
	if err != nil {
		return CadenceConfig{}, false, err
	}
	return CadenceConfig{
		BaseDelay:     time.Duration(delayMS) * time.Millisecond,
		BatchSize:     batch,
		MaxRetries:    retries,
		AdaptiveMode:  adaptive != 0,
		ImmediateMode: immediate != 0,
	}, true, nil
}

func (s *sqliteStore) PutCadenceConfig(ctx context.Context, tenantID string, cfg CadenceConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cadence_config(tenant_id, base_delay_ms, batch_size, max_retries, adaptive_mode, immediate_mode)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   base_delay_ms=excluded.base_delay_ms, batch_size=excluded.batch_size,
		   max_retries=excluded.max_retries, adaptive_mode=excluded.adaptive_mode,
		   immediate_mode=excluded.immediate_mode`,
		tenantID, cfg.BaseDelay.Milliseconds(), cfg.BatchSize, cfg.MaxRetries,
		boolInt(cfg.AdaptiveMode), boolInt(cfg.ImmediateMode),
	)
	return err
}

func (s *sqliteStore) RunState(ctx context.Context, tenantID string) (CadenceRunState, error) {
	var (
		active     int
		sent, errs int64
		lastTick   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT active, total_sent, total_errors, last_tick_at
		 FROM cadence_state WHERE tenant_id=?`, tenantID,
	).Scan(&active, &sent, &errs, &lastTick)
	if errors.Is(err, sql.ErrNoRows) {
		return CadenceRunState{}, nil
	}
	if err != nil {
		return CadenceRunState{}, err
	}
	st := CadenceRunState{Active: active != 0, TotalSent: sent, TotalErrors: errs}
	if lastTick.Valid && lastTick.String != "" {
		st.LastTickAt, _ = time.Parse(time.RFC3339Nano, lastTick.String)
	}
	return st, nil
}

func (s *sqliteStore) PutRunState(ctx context.Context, tenantID string, st CadenceRunState) error {
	var lastTick any
	if !st.LastTickAt.IsZero() {
		lastTick = st.LastTickAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cadence_state(tenant_id, active, total_sent, total_errors, last_tick_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   active=excluded.active, total_sent=excluded.total_sent,
		   total_errors=excluded.total_errors, last_tick_at=excluded.last_tick_at`,
		tenantID, boolInt(st.Active), st.TotalSent, st.TotalErrors, lastTick,
	)
	return err
}

func (s *sqliteStore) PutAssociation(ctx context.Context, a Association) error {
	at := a.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO associations(tenant_id, recipient, created_at) VALUES(?,?,?)
		 ON CONFLICT(tenant_id, recipient) DO UPDATE SET created_at=excluded.created_at`,
		a.Tenant, a.Recipient, at.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ResolveTenant(ctx context.Context, recipient string) (string, bool, error) {
	// Most recent association wins; tenant name breaks exact timestamp ties
	// so resolution stays deterministic.
	var tenant string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM associations WHERE recipient=?
		 ORDER BY created_at DESC, tenant_id DESC LIMIT 1`,
		recipient,
	).Scan(&tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tenant, true, nil
}

func (s *sqliteStore) IsMember(ctx context.Context, tenantID, recipient string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM associations WHERE tenant_id=? AND recipient=?`,
		tenantID, recipient,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteStore) PruneAssociations(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM associations WHERE created_at < ?`,
		olderThan.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PutAuthBlob(ctx context.Context, tenantID string, slot int, driverName string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_blobs(tenant_id, slot, driver, blob, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id, slot, driver) DO UPDATE SET
		   blob=excluded.blob, updated_at=excluded.updated_at`,
		tenantID, slot, driverName, blob, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AuthBlob(ctx context.Context, tenantID string, slot int, driverName string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM auth_blobs WHERE tenant_id=? AND slot=? AND driver=?`,
		tenantID, slot, driverName,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (s *sqliteStore) DeleteAuthBlob(ctx context.Context, tenantID string, slot int, driverName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_blobs WHERE tenant_id=? AND slot=? AND driver=?`,
		tenantID, slot, driverName,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (Assignment, error) {
	var (
		a                    Assignment
		prio, status         string
		lastErr              sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.Tenant, &a.Recipient, &a.Slot, &prio, &status,
		&a.Attempts, &lastErr, &a.Payload, &createdAt, &updatedAt)
	if err != nil {
		return Assignment{}, err
	}
	a.Priority = Priority(prio)
	a.Status = Status(status)
	a.LastError = lastErr.String
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return a, nil
}

func (s *sqliteStore) queryAssignments(ctx context.Context, q string, args ...any) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
