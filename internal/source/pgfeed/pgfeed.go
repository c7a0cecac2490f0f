// Package pgfeed reads feed extracts from set-returning functions in a
// Postgres reporting schema. Each feed maps to
// <schema>.mu_<feed>(first_of_month, last_of_month, first_for_search,
// last_for_search).
package pgfeed

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mandatory-use-audit/internal/feed"
	"mandatory-use-audit/internal/source"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type Config struct {
	URL    string
	Schema string
}

type Store struct {
	db     *sql.DB
	schema string
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	schema, err := sanitizeSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres url is required")
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 12*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, schema: schema}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Name() string { return "postgres" }

// Fetch runs the feed function for the request window and renders the rows
// as CSV with the function's column names as headers.
func (s *Store) Fetch(ctx context.Context, name feed.Name, req source.Request) (io.ReadCloser, error) {
	query := fmt.Sprintf(`SELECT * FROM %s.%s($1, $2, $3, $4)`, s.schema, functionName(name))
	rows, err := s.db.QueryContext(ctx, query,
		req.Period.First,
		req.Period.Last,
		req.Period.SearchFirst(req.LookbackDays),
		req.Period.SearchLast(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, fmt.Errorf("%w: %s: %v", source.ErrNotFound, query, err)
		}
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	if err := writeCSV(&buf, rows); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return io.NopCloser(&buf), nil
}

type rowScanner interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func writeCSV(w io.Writer, rows rowScanner) error {
	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	out := csv.NewWriter(w)
	if err := out.Write(columns); err != nil {
		return err
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	record := make([]string, len(columns))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, value := range values {
			record[i] = formatValue(value)
		}
		if err := out.Write(record); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	out.Flush()
	return out.Error()
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case time.Time:
		return v.Format("2006-01-02")
	case []byte:
		return string(v)
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func functionName(name feed.Name) string {
	return "mu_" + strings.ToLower(string(name))
}

func sanitizeSchema(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.New("db schema is required")
	}
	if !validIdentifier.MatchString(value) {
		return "", fmt.Errorf("invalid schema name: %s", value)
	}
	return value, nil
}
