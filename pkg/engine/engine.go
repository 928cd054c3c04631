// Package engine owns the relational connection pools relquery executes
// against. The default driver is sqlite3; any database/sql driver works.
package engine

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	// default driver
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"
)

// DefaultName is the name of the pool used when no connection is selected.
const DefaultName = "default"

// Config holds the engine configuration
type Config struct {
	Driver          string            `yaml:"driver"`
	DSN             string            `yaml:"dsn"`
	Connections     map[string]string `yaml:"connections"`
	MaxOpenConns    int               `yaml:"max_open_conns"`
	MaxIdleConns    int               `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration     `yaml:"conn_max_lifetime"`
}

// DefaultConfig returns the default configuration: an in-memory sqlite
// database with a single shared connection.
func DefaultConfig() *Config {
	return &Config{
		Driver:       "sqlite3",
		DSN:          "file::memory:?cache=shared",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
}

// LoadConfig reads a yaml config file, applying defaults for unset fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse engine config: %w", err)
	}
	return cfg, nil
}

// Engine manages named connection pools. Pools open lazily and are cached by
// name, so repeated scopes against the same DSN share one pool.
type Engine struct {
	config *Config
	dsns   map[string]string
	pools  map[string]*sql.DB
	mu     sync.Mutex
}

// Open creates an engine and verifies the default pool is reachable.
func Open(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}

	e := &Engine{
		config: cfg,
		dsns:   map[string]string{DefaultName: cfg.DSN},
		pools:  make(map[string]*sql.DB),
	}
	for name, dsn := range cfg.Connections {
		e.dsns[name] = dsn
	}

	if _, err := e.DB(DefaultName); err != nil {
		return nil, err
	}
	return e, nil
}

// DB returns the pool registered under name, opening it on first use.
// The empty name selects the default pool.
func (e *Engine) DB(name string) (*sql.DB, error) {
	if name == "" {
		name = DefaultName
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if db, ok := e.pools[name]; ok {
		return db, nil
	}

	dsn, ok := e.dsns[name]
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", name)
	}

	db, err := sql.Open(e.config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection %q: %w", name, err)
	}

	if e.config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(e.config.MaxOpenConns)
	}
	if e.config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(e.config.MaxIdleConns)
	}
	if e.config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(e.config.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping connection %q: %w", name, err)
	}

	e.pools[name] = db
	return db, nil
}

// RegisterDSN makes a named DSN available for later DB calls
func (e *Engine) RegisterDSN(name, dsn string) error {
	if name == "" || dsn == "" {
		return fmt.Errorf("connection name and dsn must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, open := e.pools[name]; open {
		return fmt.Errorf("connection %q is already open", name)
	}
	e.dsns[name] = dsn
	return nil
}

// Config returns the engine configuration
func (e *Engine) Config() *Config {
	return e.config
}

// Close releases every pool the engine owns
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for name, db := range e.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.pools, name)
	}
	return firstErr
}
