package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mandatory-use-audit/internal/overlap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	period        TEXT NOT NULL,
	report_name   TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	prescribers   INTEGER NOT NULL,
	registered    INTEGER NOT NULL,
	dispensations INTEGER NOT NULL,
	searches      INTEGER NOT NULL,
	search_rate   REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	run_id          TEXT NOT NULL,
	final_id        TEXT NOT NULL,
	prescriber_name TEXT NOT NULL DEFAULT '',
	dea_numbers     TEXT NOT NULL DEFAULT '',
	dispensations   INTEGER NOT NULL,
	searches        INTEGER NOT NULL,
	rate            REAL NOT NULL,
	registered      INTEGER NOT NULL,
	PRIMARY KEY (run_id, final_id)
);

CREATE TABLE IF NOT EXISTS dispensations (
	run_id              TEXT NOT NULL,
	rx_number           TEXT NOT NULL,
	prescriber_dea      TEXT NOT NULL,
	prescriber_name     TEXT NOT NULL DEFAULT '',
	final_id            TEXT NOT NULL,
	registered          INTEGER NOT NULL,
	written_date        TEXT NOT NULL,
	filled_date         TEXT NOT NULL DEFAULT '',
	patient_name        TEXT NOT NULL DEFAULT '',
	patient_dob         TEXT NOT NULL DEFAULT '',
	drug_class          TEXT NOT NULL DEFAULT '',
	daily_dose          REAL NOT NULL DEFAULT 0,
	search_window_start TEXT NOT NULL,
	search_window_end   TEXT NOT NULL,
	searched            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS overlaps (
	run_id            TEXT NOT NULL,
	policy            TEXT NOT NULL,
	patient_dob       TEXT NOT NULL,
	sedative_final_id TEXT NOT NULL,
	sedative_patient  TEXT NOT NULL,
	sedative_written  TEXT NOT NULL,
	sedative_filled   TEXT NOT NULL,
	sedative_end      TEXT NOT NULL,
	opioid_final_id   TEXT NOT NULL,
	opioid_patient    TEXT NOT NULL,
	opioid_written    TEXT NOT NULL,
	opioid_filled     TEXT NOT NULL,
	opioid_end        TEXT NOT NULL,
	ratio             REAL NOT NULL,
	sedative_credited INTEGER NOT NULL,
	opioid_credited   INTEGER NOT NULL
);
`

type runRow struct {
	RunID         string  `db:"run_id"`
	Period        string  `db:"period"`
	ReportName    string  `db:"report_name"`
	CreatedAt     string  `db:"created_at"`
	Prescribers   int     `db:"prescribers"`
	Registered    int     `db:"registered"`
	Dispensations int     `db:"dispensations"`
	Searches      int     `db:"searches"`
	SearchRate    float64 `db:"search_rate"`
}

type resultRow struct {
	RunID          string  `db:"run_id"`
	FinalID        string  `db:"final_id"`
	PrescriberName string  `db:"prescriber_name"`
	Identifiers    string  `db:"dea_numbers"`
	Dispensations  int     `db:"dispensations"`
	Searches       int     `db:"searches"`
	Rate           float64 `db:"rate"`
	Registered     bool    `db:"registered"`
}

const (
	insertRun = `INSERT INTO runs (run_id, period, report_name, created_at, prescribers, registered, dispensations, searches, search_rate)
VALUES (:run_id, :period, :report_name, :created_at, :prescribers, :registered, :dispensations, :searches, :search_rate)`
	insertResult = `INSERT INTO results (run_id, final_id, prescriber_name, dea_numbers, dispensations, searches, rate, registered)
VALUES (:run_id, :final_id, :prescriber_name, :dea_numbers, :dispensations, :searches, :rate, :registered)`
	insertDispensation = `INSERT INTO dispensations (run_id, rx_number, prescriber_dea, prescriber_name, final_id, registered, written_date,
	filled_date, patient_name, patient_dob, drug_class, daily_dose, search_window_start, search_window_end, searched)
VALUES (:run_id, :rx_number, :prescriber_dea, :prescriber_name, :final_id, :registered, :written_date,
	:filled_date, :patient_name, :patient_dob, :drug_class, :daily_dose, :search_window_start, :search_window_end, :searched)`
	insertOverlap = `INSERT INTO overlaps (run_id, policy, patient_dob, sedative_final_id, sedative_patient, sedative_written, sedative_filled,
	sedative_end, opioid_final_id, opioid_patient, opioid_written, opioid_filled, opioid_end, ratio, sedative_credited, opioid_credited)
VALUES (:run_id, :policy, :patient_dob, :sedative_final_id, :sedative_patient, :sedative_written, :sedative_filled,
	:sedative_end, :opioid_final_id, :opioid_patient, :opioid_written, :opioid_filled, :opioid_end, :ratio, :sedative_credited, :opioid_credited)`
)

// OpenSQLite opens (creating if needed) a diagnostics database.
func OpenSQLite(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

// WriteSQLite replaces the database at path with a fresh one holding only
// this bundle, written in one transaction.
func WriteSQLite(ctx context.Context, path string, b Bundle, now time.Time) error {
	for _, name := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reset %s: %w", name, err)
		}
	}
	db, err := OpenSQLite(path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	totals := b.Report.Totals
	run := runRow{
		RunID:         b.RunID,
		Period:        b.Report.Period.String(),
		ReportName:    b.Report.Name,
		CreatedAt:     now.UTC().Format(time.RFC3339),
		Prescribers:   totals.Prescribers,
		Registered:    totals.Registered,
		Dispensations: totals.Dispensations,
		Searches:      totals.Searches,
		SearchRate:    totals.SearchRate,
	}
	if _, err := tx.NamedExecContext(ctx, insertRun, run); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, row := range b.Report.Rows {
		result := resultRow{
			RunID:          b.RunID,
			FinalID:        row.FinalID.String(),
			PrescriberName: row.DisplayName,
			Identifiers:    row.Identifiers,
			Dispensations:  row.Dispensations,
			Searches:       row.Searches,
			Rate:           row.SearchRate,
			Registered:     row.Registered,
		}
		if _, err := tx.NamedExecContext(ctx, insertResult, result); err != nil {
			return fmt.Errorf("insert result %s: %w", result.FinalID, err)
		}
	}

	for _, row := range dispensationRows(b) {
		if _, err := tx.NamedExecContext(ctx, insertDispensation, row); err != nil {
			return fmt.Errorf("insert dispensation %s: %w", row.RxNumber, err)
		}
	}

	pairs := pairRows(b.RunID, string(overlap.ModePart), b.Overlap.PartPairs)
	pairs = append(pairs, pairRows(b.RunID, string(overlap.ModeLast), b.Overlap.LastPairs)...)
	for _, row := range pairs {
		if _, err := tx.NamedExecContext(ctx, insertOverlap, row); err != nil {
			return fmt.Errorf("insert overlap: %w", err)
		}
	}

	return tx.Commit()
}
