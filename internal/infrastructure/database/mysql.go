package database

import (
	"crypto/tls"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Connection wraps the engine's MySQL/TiDB connection.
// Note: sql.DB is already thread-safe and manages its own connection pool.
// We do NOT wrap it with additional mutexes as that causes deadlocks under
// high concurrency (writers waiting for connections block readers).
type Connection struct {
	db *sql.DB
}

var (
	instance *Connection
	once     sync.Once
	initErr  error
	tlsOnce  sync.Once // Ensure TLS config is registered only once
)

// GetInstance returns the singleton database connection
func GetInstance() (*Connection, error) {
	once.Do(func() {
		instance, initErr = newConnection()
	})
	return instance, initErr
}

// newConnection creates a new database connection from the environment
func newConnection() (*Connection, error) {
	host := os.Getenv("WF_DB_HOST")
	port := os.Getenv("WF_DB_PORT")
	user := os.Getenv("WF_DB_USER")
	password := os.Getenv("WF_DB_PASSWORD")
	database := os.Getenv("WF_DB_NAME")

	if port == "" {
		port = "4000"
	}

	if database == "" {
		database = "workflow"
	}

	// Remote hosts (e.g. TiDB Cloud) require TLS with ServerName set.
	// sync.Once prevents a duplicate-registration panic in tests.
	tlsParam := ""
	if host != "" && host != "127.0.0.1" && host != "localhost" {
		tlsOnce.Do(func() {
			if err := mysql.RegisterTLSConfig("workflow", &tls.Config{
				MinVersion: tls.VersionTLS12,
				ServerName: host,
			}); err != nil {
				// Just log as we can't return error from sync.Once
				log.Printf("Failed to register TLS config: %v\n", err)
			}
		})
		tlsParam = "&tls=workflow"
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local%s",
		user, password, host, port, database, tlsParam)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	// IMPORTANT: MaxIdleConns must equal MaxOpenConns to prevent port
	// exhaustion. If MaxIdleConns < MaxOpenConns, connections are closed and
	// reopened frequently, which exhausts ephemeral ports under load.
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(100)

	// Recycle connections before they go stale
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{db: db}, nil
}

// DB exposes the underlying sql.DB
func (c *Connection) DB() *sql.DB {
	return c.db
}

// Begin starts a transaction
func (c *Connection) Begin() (*sql.Tx, error) {
	return c.db.Begin()
}

// Close closes the connection pool
func (c *Connection) Close() error {
	return c.db.Close()
}
