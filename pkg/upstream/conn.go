// Package upstream wraps the Snowflake connection used for SQL execution
// and Cortex calls. One Conn corresponds to one logical session; statement
// execution, error classification, and the SQL splitter live here so every
// caller shares the same session contract.
package upstream

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sf "github.com/snowflakedb/gosnowflake"
)

// Config carries the connection parameters accepted from the client,
// defaulted from the environment.
type Config struct {
	Account       string
	User          string
	Password      string
	Role          string
	Warehouse     string
	Database      string
	Schema        string
	Authenticator string
	Token         string
}

// Conn is a live Snowflake session. It is safe for concurrent use, but
// callers that need model-call ordering must serialize externally.
type Conn struct {
	db  *sql.DB
	cfg Config
}

// Connect opens and verifies a Snowflake session.
func Connect(ctx context.Context, cfg Config) (*Conn, error) {
	sfCfg := &sf.Config{
		Account:          cfg.Account,
		User:             cfg.User,
		Password:         cfg.Password,
		Role:             cfg.Role,
		Warehouse:        cfg.Warehouse,
		Database:         cfg.Database,
		Schema:           cfg.Schema,
		Token:            cfg.Token,
		Application:      "snowlift",
		KeepSessionAlive: true,
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Authenticator)) {
	case "", "externalbrowser":
		sfCfg.Authenticator = sf.AuthTypeExternalBrowser
	case "oauth":
		sfCfg.Authenticator = sf.AuthTypeOAuth
	default:
		sfCfg.Authenticator = sf.AuthTypeSnowflake
	}

	dsn, err := sf.DSN(sfCfg)
	if err != nil {
		return nil, fmt.Errorf("building snowflake dsn: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snowflake connection: %w", err)
	}
	// One logical session per Conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn := &Conn{db: db, cfg: cfg}
	if err := conn.Validate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("verifying snowflake session: %w", err)
	}
	return conn, nil
}

// Validate runs a probe query and reports whether the session still works.
func (c *Conn) Validate(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	return nil
}

// DB exposes the underlying handle for callers issuing their own queries.
func (c *Conn) DB() *sql.DB {
	return c.db
}

// RESTHost returns the account's API hostname for Cortex REST calls.
func (c *Conn) RESTHost() string {
	return c.cfg.Account + ".snowflakecomputing.com"
}

// Token returns the bearer token configured for REST calls, if any.
func (c *Conn) Token() string {
	return c.cfg.Token
}

// Close releases the session.
func (c *Conn) Close() error {
	return c.db.Close()
}
