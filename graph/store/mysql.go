package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore keeps checkpoints in a MySQL table, for deployments where runs
// must survive a process and checkpoint access is shared across hosts.
//
// Each Put is a single upsert statement and therefore atomic on the server
// side.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects using a go-sql-driver DSN
// (e.g. "user:pass@tcp(localhost:3306)/workflows?parseTime=true") and
// ensures the schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id VARCHAR(512) PRIMARY KEY,
			payload LONGBLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
		)
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

// Put implements Store as an upsert.
func (s *MySQLStore) Put(ctx context.Context, id string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, payload) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload)
	`, id, data)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM checkpoints WHERE id = ?", id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return payload, nil
}

// Delete implements Store.
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM checkpoints")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan checkpoint id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return ids, nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
