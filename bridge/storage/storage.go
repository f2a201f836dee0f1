// Package storage implements the event log of subscriber commands
package storage

import (
	"fmt"
	"strings"

	"code.linksmart.eu/dt/serial-bridge/bridge/model"
)

const (
	BackendSQLite  = "sqlite"
	BackendElastic = "elastic"
)

type Storage interface {
	// Init creates the store if it does not exist
	Init() error
	Append(command string) error
	// List returns all events, newest first
	List() ([]model.Event, error)
	Update(id int64, command string) (found bool, err error)
	Remove(id int64) (found bool, err error)
	// Clear removes all events and resets ids
	Clear() error
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend      string `yaml:"backend"`
	DatabasePath string `yaml:"databasePath"`
	BackupDir    string `yaml:"backupDir"`
	// archive backups as tar.gz
	CompressBackup bool   `yaml:"compressBackup"`
	ElasticURL     string `yaml:"elasticURL"`
}

// Start opens the configured backend and initialises it
func Start(conf Config) (Storage, error) {
	var (
		s   Storage
		err error
	)
	switch conf.Backend {
	case BackendSQLite, "":
		s, err = NewSQLiteStorage(conf.DatabasePath, conf.BackupDir, conf.CompressBackup)
	case BackendElastic:
		s, err = StartElasticStorage(conf.ElasticURL)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", conf.Backend)
	}
	if err != nil {
		return nil, err
	}

	err = s.Init()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("error initialising %s storage: %s", conf.Backend, err)
	}
	return s, nil
}

// Filter returns events whose command contains any of the keywords
func Filter(events []model.Event, keywords []string) []model.Event {
	filtered := make([]model.Event, 0, len(events))
	for _, e := range events {
		for _, k := range keywords {
			if k != "" && strings.Contains(e.Command, k) {
				filtered = append(filtered, e)
				break
			}
		}
	}
	return filtered
}
