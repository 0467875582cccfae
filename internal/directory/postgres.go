package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/a-essam23/go-presence/pkg/protocol"
)

var ErrDSNRequired = errors.New("directory: dsn is required")

type PostgresConfig struct {
	DSN          string
	ConnTimeout  time.Duration
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

func (c *PostgresConfig) applyDefaults() {
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 5 * time.Second
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 20
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 30 * time.Minute
	}
}

// Postgres reads devices and writes attendance/notice rows in the account
// service's database.
type Postgres struct {
	db *sql.DB
}

var (
	_ Directory = (*Postgres)(nil)
	_ Store     = (*Postgres)(nil)
)

// OpenPostgres opens and verifies a pooled connection.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}
	cfg.applyDefaults()

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("directory: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("directory: ping: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

const listDevicesQuery = `
SELECT id::text, name
FROM iot_devices
WHERE developer_id = $1
ORDER BY id`

func (p *Postgres) ListDevicesOf(ctx context.Context, controllerID string) ([]protocol.DeviceRef, error) {
	rows, err := p.db.QueryContext(ctx, listDevicesQuery, controllerID)
	if err != nil {
		return nil, fmt.Errorf("list devices of %s: %w", controllerID, err)
	}
	defer rows.Close()

	var devices []protocol.DeviceRef
	for rows.Next() {
		var d protocol.DeviceRef
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices of %s: %w", controllerID, err)
	}
	return devices, nil
}

const insertAttendanceQuery = `
INSERT INTO iot_data (app_id, log_data, created_at)
VALUES ($1, $2, $3)`

func (p *Postgres) PersistAndAck(ctx context.Context, ev AttendanceEvent) (bool, error) {
	data := []byte(ev.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}
	res, err := p.db.ExecContext(ctx, insertAttendanceQuery, ev.DeviceID, data, ev.At)
	if err != nil {
		return false, fmt.Errorf("persist attendance for %s: %w", ev.DeviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("persist attendance for %s: %w", ev.DeviceID, err)
	}
	return n == 1, nil
}

const readNoticeQuery = `
SELECT id::text, developer_id::text, message, duration, created_at
FROM nb_message
WHERE developer_id = $1
ORDER BY created_at DESC
LIMIT 1`

func (p *Postgres) ReadNotice(ctx context.Context, controllerID string) (Notice, error) {
	var n Notice
	err := p.db.QueryRowContext(ctx, readNoticeQuery, controllerID).
		Scan(&n.ID, &n.DeveloperID, &n.Message, &n.Duration, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Notice{}, ErrNotFound
	}
	if err != nil {
		return Notice{}, fmt.Errorf("read notice of %s: %w", controllerID, err)
	}
	return n, nil
}

const saveNoticeQuery = `
INSERT INTO nb_message (developer_id, message, duration)
VALUES ($1, $2, $3)
RETURNING id::text, developer_id::text, message, duration, created_at`

func (p *Postgres) SaveNotice(ctx context.Context, controllerID, message string, duration int) (Notice, error) {
	var n Notice
	err := p.db.QueryRowContext(ctx, saveNoticeQuery, controllerID, message, duration).
		Scan(&n.ID, &n.DeveloperID, &n.Message, &n.Duration, &n.CreatedAt)
	if err != nil {
		return Notice{}, fmt.Errorf("save notice for %s: %w", controllerID, err)
	}
	return n, nil
}
