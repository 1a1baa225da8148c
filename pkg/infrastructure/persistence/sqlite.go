package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/botloom/loom/pkg/domain"
)

// sqliteCollection stores each record as a JSON document in a two
// column table. Update runs inside an immediate transaction so racing
// read-modify-writes for the same key serialize at the database.
type sqliteCollection[R any] struct {
	d     descriptor[R]
	db    *sql.DB
	table string
}

func newSQLiteCollection[R any](d descriptor[R], db *sql.DB) (*sqliteCollection[R], error) {
	ddl := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data TEXT NOT NULL)`, d.name)
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", d.name, err)
	}
	return &sqliteCollection[R]{d: d, db: db, table: d.name}, nil
}

func (c *sqliteCollection[R]) decode(data []byte) (*R, error) {
	record := new(R)
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", c.table, err)
	}
	return record, nil
}

func (c *sqliteCollection[R]) Get(id string) (*R, error) {
	if id == "" {
		return nil, domain.ErrEmptyRecordID
	}
	var data []byte
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, c.table)
	err := c.db.QueryRow(query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return c.decode(data)
}

func (c *sqliteCollection[R]) Save(record *R) error {
	id := c.d.keyOf(record)
	if id == "" {
		return domain.ErrEmptyRecordID
	}
	c.d.touch(record)
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", c.table, err)
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`, c.table)
	_, err = c.db.Exec(query, id, data)
	return err
}

func (c *sqliteCollection[R]) Delete(id string) error {
	if id == "" {
		return domain.ErrEmptyRecordID
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.table)
	res, err := c.db.Exec(query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (c *sqliteCollection[R]) All() ([]*R, error) {
	query := fmt.Sprintf(`SELECT data FROM %s`, c.table)
	rows, err := c.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*R
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		record, err := c.decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (c *sqliteCollection[R]) Update(id string, fn func(*R) error) error {
	if id == "" {
		return domain.ErrEmptyRecordID
	}
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	record := new(R)
	var data []byte
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, c.table)
	err = tx.QueryRow(query, id).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		c.d.setKey(record, id)
	case err != nil:
		return err
	default:
		if record, err = c.decode(data); err != nil {
			return err
		}
	}

	if err := fn(record); err != nil {
		return err
	}
	c.d.touch(record)

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", c.table, err)
	}
	upsert := fmt.Sprintf(
		`INSERT INTO %s (id, data) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`, c.table)
	if _, err := tx.Exec(upsert, id, encoded); err != nil {
		return err
	}
	return tx.Commit()
}

// SQLiteStorage persists records in a single SQLite database file.
type SQLiteStorage struct {
	db    *sql.DB
	teams *sqliteCollection[domain.TeamRecord]
	users *sqliteCollection[domain.UserRecord]
}

// NewSQLiteStorage opens (creating if needed) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent
	// updates.
	db.SetMaxOpenConns(1)

	teams, err := newSQLiteCollection(teamDesc, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	users, err := newSQLiteCollection(userDesc, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStorage{db: db, teams: teams, users: users}, nil
}

func (s *SQLiteStorage) Teams() domain.Collection[domain.TeamRecord] { return s.teams }
func (s *SQLiteStorage) Users() domain.Collection[domain.UserRecord] { return s.users }
func (s *SQLiteStorage) Close() error                                { return s.db.Close() }

var _ domain.Storage = (*SQLiteStorage)(nil)
