package storage

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mholt/archiver"
	copier "github.com/otiai10/copy"
)

const (
	createEventsTable = `CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		command TEXT NOT NULL
	)`
	dropEventsTable = `DROP TABLE IF EXISTS events`
	// the sequence row exists once the first event is inserted
	resetEventsSequence = `DELETE FROM sqlite_sequence WHERE name = 'events'`
)

type sqliteStorage struct {
	db        *sql.DB
	path      string
	backupDir string
	compress  bool
}

// NewSQLiteStorage opens (or creates) the database file at path.
// When backupDir is set, Clear copies the database there first.
func NewSQLiteStorage(path, backupDir string, compress bool) (Storage, error) {
	log.Println("storage: SQLite database:", path)

	if dir := filepath.Dir(path); dir != "" {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return nil, fmt.Errorf("error creating database directory: %s", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %s", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	return &sqliteStorage{
		db:        db,
		path:      path,
		backupDir: backupDir,
		compress:  compress,
	}, nil
}

func (s *sqliteStorage) Init() error {
	_, err := s.db.Exec(createEventsTable)
	return err
}

func (s *sqliteStorage) Append(command string) error {
	_, err := s.db.Exec("INSERT INTO events (timestamp, command) VALUES (?, ?)", model.Timestamp(), command)
	if err != nil {
		return fmt.Errorf("error inserting event: %s", err)
	}
	return nil
}

func (s *sqliteStorage) List() ([]model.Event, error) {
	rows, err := s.db.Query("SELECT id, timestamp, command FROM events ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("error querying events: %s", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var e model.Event
		err = rows.Scan(&e.ID, &e.Timestamp, &e.Command)
		if err != nil {
			return nil, fmt.Errorf("error reading event: %s", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *sqliteStorage) Update(id int64, command string) (found bool, err error) {
	res, err := s.db.Exec("UPDATE events SET command = ? WHERE id = ?", command, id)
	if err != nil {
		return false, fmt.Errorf("error updating event: %s", err)
	}
	return affected(res)
}

func (s *sqliteStorage) Remove(id int64) (found bool, err error) {
	res, err := s.db.Exec("DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("error deleting event: %s", err)
	}
	return affected(res)
}

func (s *sqliteStorage) Clear() error {
	if s.backupDir != "" {
		err := s.backup()
		if err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, stmt := range []string{dropEventsTable, createEventsTable} {
		_, err = tx.Exec(stmt)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("error resetting events: %s", err)
		}
	}
	// fails when nothing was ever inserted
	tx.Exec(resetEventsSequence)
	return tx.Commit()
}

func (s *sqliteStorage) backup() error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return nil
	}
	dest := filepath.Join(s.backupDir, fmt.Sprintf("%s.%d", filepath.Base(s.path), time.Now().Unix()))
	err := copier.Copy(s.path, dest)
	if err != nil {
		return fmt.Errorf("error backing up database: %s", err)
	}
	if s.compress {
		dest, err = compressFile(dest)
		if err != nil {
			return fmt.Errorf("error compressing backup: %s", err)
		}
	}
	log.Println("storage: Backed up database to", dest)
	return nil
}

// compressFile replaces the file with a tar.gz archive of it
func compressFile(path string) (string, error) {
	archive := path + ".tar.gz"
	f, err := os.Create(archive)
	if err != nil {
		return "", err
	}
	defer f.Close()

	err = archiver.TarGz.Write(f, []string{path})
	if err != nil {
		os.Remove(archive)
		return "", err
	}
	return archive, os.Remove(path)
}

func (s *sqliteStorage) Close() error {
	return s.db.Close()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
