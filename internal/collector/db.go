// internal/collector/db.go
package collector

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/signalnine/nodepulse/internal/protocol"
)

// ErrUnknownNode is returned when an alert references a node that never sent a heartbeat
var ErrUnknownNode = errors.New("unknown node")

const timeFormat = time.RFC3339

// Node is the latest heartbeat state of one agent
type Node struct {
	ID               string    `json:"id"`
	MicroService     string    `json:"micro_service"`
	ProviderCode     string    `json:"provider_code"`
	SlotsQuota       int       `json:"slots_quota"`
	TotalRAMGB       float64   `json:"total_ram_gb"`
	TotalDiskGB      int       `json:"total_disk_gb"`
	CPUCores         int       `json:"cpu_cores"`
	CurrentRAMUsage  float64   `json:"current_ram_usage"`
	CurrentDiskUsage float64   `json:"current_disk_usage"`
	CurrentCPUUsage  float64   `json:"current_cpu_usage"`
	LastStartTime    string    `json:"last_start_time"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// Alert is the stored state of one (node, type) alert slot
type Alert struct {
	ID          int64      `json:"id"`
	NodeID      string     `json:"id_node"`
	Type        string     `json:"type"`
	Description string     `json:"description"`
	Solved      bool       `json:"solved"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	SolvedAt    *time.Time `json:"solved_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DB wraps SQLite connection
type DB struct {
	db *sql.DB
}

// NewDB opens or creates the SQLite database
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	// Create schema
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		micro_service TEXT NOT NULL,
		provider_code TEXT NOT NULL,
		slots_quota INTEGER NOT NULL DEFAULT 0,
		total_ram_gb REAL,
		total_disk_gb INTEGER,
		cpu_cores INTEGER,
		current_ram_usage REAL,
		current_disk_usage REAL,
		current_cpu_usage REAL,
		last_start_time TEXT,
		last_seen_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (micro_service, provider_code)
	);
	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id TEXT NOT NULL REFERENCES nodes(id),
		type TEXT NOT NULL,
		description TEXT,
		solved INTEGER NOT NULL,
		opened_at TEXT,
		solved_at TEXT,
		updated_at TEXT NOT NULL,
		UNIQUE (node_id, type)
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_solved ON alerts(solved);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *DB) Ping() error {
	return d.db.Ping()
}

// UpsertNode records a heartbeat. Nodes are identified by
// (micro_service, provider_code); the id is stable across heartbeats.
func (d *DB) UpsertNode(hb protocol.Heartbeat, now time.Time) (string, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(`SELECT id FROM nodes WHERE micro_service = ? AND provider_code = ?`,
		hb.MicroService, hb.ProviderCode).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = uuid.NewString()
		_, err = tx.Exec(`
			INSERT INTO nodes (id, micro_service, provider_code, slots_quota, total_ram_gb, total_disk_gb, cpu_cores,
				current_ram_usage, current_disk_usage, current_cpu_usage, last_start_time, last_seen_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, hb.MicroService, hb.ProviderCode, hb.SlotsQuota, hb.TotalRAMGB, hb.TotalDiskGB, hb.CPUCores,
			hb.CurrentRAMUsage, hb.CurrentDiskUsage, hb.CurrentCPUUsage, hb.LastStartTime,
			now.Format(timeFormat), now.Format(timeFormat))
	case err == nil:
		_, err = tx.Exec(`
			UPDATE nodes SET slots_quota = ?, total_ram_gb = ?, total_disk_gb = ?, cpu_cores = ?,
				current_ram_usage = ?, current_disk_usage = ?, current_cpu_usage = ?,
				last_start_time = ?, last_seen_at = ?
			WHERE id = ?
		`, hb.SlotsQuota, hb.TotalRAMGB, hb.TotalDiskGB, hb.CPUCores,
			hb.CurrentRAMUsage, hb.CurrentDiskUsage, hb.CurrentCPUUsage,
			hb.LastStartTime, now.Format(timeFormat), id)
	}
	if err != nil {
		return "", fmt.Errorf("upsert node: %w", err)
	}

	return id, tx.Commit()
}

// UpsertAlert stores the latest state of the (id_node, type) slot.
// opened_at is set whenever the slot moves to unsolved, solved_at whenever
// an open slot is solved.
func (d *DB) UpsertAlert(up protocol.AlertUpsert, now time.Time) (*Alert, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM nodes WHERE id = ?`, up.NodeID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, up.NodeID)
	}

	ts := now.Format(timeFormat)
	var (
		id       int64
		solved   bool
		openedAt sql.NullString
		solvedAt sql.NullString
	)
	err = tx.QueryRow(`SELECT id, solved, opened_at, solved_at FROM alerts WHERE node_id = ? AND type = ?`,
		up.NodeID, up.Type).Scan(&id, &solved, &openedAt, &solvedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		openedAt, solvedAt = sql.NullString{}, sql.NullString{}
		if up.Solved {
			solvedAt = sql.NullString{String: ts, Valid: true}
		} else {
			openedAt = sql.NullString{String: ts, Valid: true}
		}
		_, err = tx.Exec(`
			INSERT INTO alerts (node_id, type, description, solved, opened_at, solved_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, up.NodeID, up.Type, up.Description, up.Solved, openedAt, solvedAt, ts)
	case err == nil:
		if !up.Solved && solved {
			openedAt = sql.NullString{String: ts, Valid: true}
		}
		if up.Solved && !solved {
			solvedAt = sql.NullString{String: ts, Valid: true}
		}
		_, err = tx.Exec(`
			UPDATE alerts SET description = ?, solved = ?, opened_at = ?, solved_at = ?, updated_at = ?
			WHERE id = ?
		`, up.Description, up.Solved, openedAt, solvedAt, ts, id)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return d.alert(up.NodeID, up.Type)
}

func (d *DB) alert(nodeID, alertType string) (*Alert, error) {
	rows, err := d.db.Query(`
		SELECT id, node_id, type, description, solved, opened_at, solved_at, updated_at
		FROM alerts WHERE node_id = ? AND type = ?
	`, nodeID, alertType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts, err := scanAlerts(rows)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, sql.ErrNoRows
	}
	return &alerts[0], nil
}

// ListAlerts returns alerts, newest first. nodeID filters when set.
func (d *DB) ListAlerts(openOnly bool, nodeID string, limit int) ([]Alert, error) {
	query := `
		SELECT id, node_id, type, description, solved, opened_at, solved_at, updated_at
		FROM alerts
		WHERE (? = 0 OR solved = 0) AND (? = '' OR node_id = ?)
		ORDER BY updated_at DESC, id DESC
		LIMIT ?
	`
	rows, err := d.db.Query(query, openOnly, nodeID, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// ListNodes returns all nodes, most recently seen first
func (d *DB) ListNodes() ([]Node, error) {
	rows, err := d.db.Query(`
		SELECT id, micro_service, provider_code, slots_quota, total_ram_gb, total_disk_gb, cpu_cores,
			current_ram_usage, current_disk_usage, current_cpu_usage, last_start_time, last_seen_at, created_at
		FROM nodes
		ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var lastStart sql.NullString
		var seenStr, createdStr string
		err := rows.Scan(&n.ID, &n.MicroService, &n.ProviderCode, &n.SlotsQuota, &n.TotalRAMGB, &n.TotalDiskGB, &n.CPUCores,
			&n.CurrentRAMUsage, &n.CurrentDiskUsage, &n.CurrentCPUUsage, &lastStart, &seenStr, &createdStr)
		if err != nil {
			return nil, err
		}
		n.LastStartTime = lastStart.String
		n.LastSeenAt, _ = time.Parse(timeFormat, seenStr)
		n.CreatedAt, _ = time.Parse(timeFormat, createdStr)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// AlertCounts returns the number of open and solved alerts
func (d *DB) AlertCounts() (map[string]int, error) {
	rows, err := d.db.Query(`SELECT solved, COUNT(*) FROM alerts GROUP BY solved`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{"open": 0, "solved": 0}
	for rows.Next() {
		var solved bool
		var count int
		if err := rows.Scan(&solved, &count); err != nil {
			return nil, err
		}
		if solved {
			counts["solved"] = count
		} else {
			counts["open"] = count
		}
	}
	return counts, rows.Err()
}

func scanAlerts(rows *sql.Rows) ([]Alert, error) {
	var alerts []Alert
	for rows.Next() {
		var a Alert
		var description, openedAt, solvedAt sql.NullString
		var updatedStr string

		err := rows.Scan(&a.ID, &a.NodeID, &a.Type, &description, &a.Solved, &openedAt, &solvedAt, &updatedStr)
		if err != nil {
			return nil, err
		}

		a.Description = description.String
		a.OpenedAt = parseNullTime(openedAt)
		a.SolvedAt = parseNullTime(solvedAt)
		a.UpdatedAt, _ = time.Parse(timeFormat, updatedStr)

		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
