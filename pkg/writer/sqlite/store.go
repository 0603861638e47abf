package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
)

// RankedMolecule is one line of a ranked candidate list
type RankedMolecule struct {
	RunID      string
	Name       string
	Formula    string
	Identifier string
	Ion        string
	MZ         float64
	Score      float64
}

// Store gives read access to a result database
type Store struct {
	db *sql.DB
}

// Open opens an existing result database
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fileURI(path, "mode=ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// LatestRun returns the id of the most recently created run
func (s *Store) LatestRun() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT runid FROM run ORDER BY created DESC, rowid DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("database holds no runs")
	}
	if err != nil {
		return "", fmt.Errorf("failed to query runs: %w", err)
	}
	return id, nil
}

// RankedList returns the molecules of run matched to top-level peaks of
// scanID, best score first. An empty run selects all runs.
func (s *Store) RankedList(runID string, scanID int) ([]RankedMolecule, error) {
	return rankedList(s.db, runID, scanID)
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// fileURI escapes path into an SQLite file URI so '?' and '#' in file
// names are not taken as query or fragment.
func fileURI(path, query string) string {
	u := url.URL{Scheme: "file", Path: path, RawQuery: query}
	return u.String()
}

func rankedList(db *sql.DB, runID string, scanID int) ([]RankedMolecule, error) {
	rows, err := db.Query(`
		SELECT m.runid, m.name, m.formula, m.identifier, f.ion, f.mz, f.score
		FROM fragments f JOIN molecules m ON f.molid = m.molid
		WHERE f.scanid = ? AND f.parentfragid = 0 AND (? = '' OR m.runid = ?)
		ORDER BY f.score, m.molid, f.fragid
	`, scanID, runID, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ranked list: %w", err)
	}
	defer rows.Close()

	var list []RankedMolecule
	for rows.Next() {
		var m RankedMolecule
		if err := rows.Scan(&m.RunID, &m.Name, &m.Formula, &m.Identifier, &m.Ion, &m.MZ, &m.Score); err != nil {
			return nil, fmt.Errorf("failed to read ranked list: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ranked list: %w", err)
	}
	return list, nil
}
