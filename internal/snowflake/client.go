package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/store"
	sf "github.com/snowflakedb/gosnowflake"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$.]*$`)

// Client reads conversion events from a Snowflake warehouse table. It is
// an alternative store.EventSource for deployments whose event store lives
// in the warehouse rather than Postgres.
type Client struct {
	config Config
	db     *sql.DB
	table  string
}

var _ store.EventSource = (*Client)(nil)

// NewClient creates a new Snowflake client
func NewClient(cfg Config) (*Client, error) {
	dsn, err := sf.DSN(&sf.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
		Role:      cfg.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build snowflake dsn: %w", err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newClientWithDB(db, cfg)
}

func newClientWithDB(db *sql.DB, cfg Config) (*Client, error) {
	table := cfg.EventsTable
	if table == "" {
		table = "CONVERSION_EVENTS"
	}
	if !identPattern.MatchString(table) {
		db.Close()
		return nil, fmt.Errorf("invalid snowflake events table %q", table)
	}
	return &Client{config: cfg, db: db, table: table}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping tests the database connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// ListProducts returns the distinct product ids with events up to asOf.
func (c *Client) ListProducts(ctx context.Context, asOf time.Time) ([]string, error) {
	query := `SELECT DISTINCT PRODUCT_ID FROM ` + c.table + ` WHERE EVENT_TIME <= ? ORDER BY PRODUCT_ID`

	rows, err := c.db.QueryContext(ctx, query, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// LoadEvents returns one product's events up to asOf, ordered by
// (event_time, event_id).
func (c *Client) LoadEvents(ctx context.Context, productID string, asOf time.Time) ([]domain.ConversionEvent, error) {
	query := `
		SELECT EVENT_ID, DISTINCT_ID, PRODUCT_ID, EVENT_NAME, EVENT_TIME,
		       COALESCE(REVENUE_AMOUNT, 0), COALESCE(CURRENCY, ''),
		       COALESCE(COUNTRY, ''), COALESCE(REGION, ''), COALESCE(STORE, '')
		FROM ` + c.table + `
		WHERE PRODUCT_ID = ? AND EVENT_TIME <= ?
		ORDER BY EVENT_TIME, EVENT_ID
	`

	rows, err := c.db.QueryContext(ctx, query, productID, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var result []domain.ConversionEvent
	for rows.Next() {
		var e domain.ConversionEvent
		var name string
		if err := rows.Scan(&e.EventID, &e.DistinctID, &e.ProductID, &name, &e.EventTime,
			&e.RevenueAmount, &e.Currency, &e.Country, &e.Region, &e.Store); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.EventName = domain.EventName(name)
		e.EventTime = e.EventTime.UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}
