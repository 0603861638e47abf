// Package sqlite stores annotation runs in SQLite result databases
package sqlite

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ChrisMcGann/FragKey/pkg/annotate"
	"github.com/ChrisMcGann/FragKey/pkg/core"
	"github.com/ChrisMcGann/FragKey/pkg/match"
	"github.com/ChrisMcGann/FragKey/pkg/metrics"
)

// Date format for the run table (ISO 8601)
const runDateFormat = "2006-01-02 15:04:05"

// RunInfo records the parameters of one annotation run
type RunInfo struct {
	Description            string
	IonMode                int
	MaxBrokenBonds         int
	MaxWaterLosses         int
	PPM                    float64
	Abs                    float64
	MSIntensityCutoff      float64
	MSMSIntensityCutoff    float64
	UseAllPeaks            bool
	Adducts                string
	MaxCharge              int
	MissingFragmentPenalty float64
	MassFilter             float64
}

// Writer handles writing annotation results to SQLite database files
type Writer struct {
	db           *sql.DB
	outputPath   string
	runID        string
	run          RunInfo
	moleculeStmt *sql.Stmt
	fragmentStmt *sql.Stmt
	scanStmt     *sql.Stmt
	peakStmt     *sql.Stmt
}

// NewWriter creates a new SQLite writer and records the run. An existing
// database is extended; every run gets its own id.
func NewWriter(outputPath string, run RunInfo) (*Writer, error) {
	db, err := sql.Open("sqlite3", fileURI(outputPath, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if run.MissingFragmentPenalty == 0 {
		run.MissingFragmentPenalty = core.DefaultMissingFragmentPenalty
	}

	w := &Writer{
		db:         db,
		outputPath: outputPath,
		runID:      uuid.NewString(),
		run:        run,
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := w.prepareStatements(); err != nil {
		w.closeStatements()
		db.Close()
		return nil, err
	}

	if err := w.writeRun(); err != nil {
		w.closeStatements()
		db.Close()
		return nil, err
	}

	return w, nil
}

// RunID returns the id under which this writer stores its results
func (w *Writer) RunID() string {
	return w.runID
}

// createTables creates the required database schema
func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS run (
		runid TEXT PRIMARY KEY,
		description TEXT,
		created TEXT,
		ionisation_mode INTEGER,
		max_broken_bonds INTEGER,
		max_water_losses INTEGER,
		mz_precision DOUBLE,
		mz_precision_abs DOUBLE,
		ms_intensity_cutoff DOUBLE,
		msms_intensity_cutoff DOUBLE,
		use_all_peaks BOOL,
		adducts TEXT,
		max_charge INTEGER,
		missing_fragment_penalty DOUBLE,
		mass_filter DOUBLE
	);

	CREATE TABLE IF NOT EXISTS molecules (
		molid INTEGER PRIMARY KEY AUTOINCREMENT,
		runid TEXT REFERENCES run(runid),
		candidate INTEGER,
		name TEXT,
		formula TEXT,
		mim DOUBLE,
		charge INTEGER,
		natoms INTEGER,
		identifier TEXT,
		molblock TEXT,
		outcome TEXT,
		nhits INTEGER,
		nfragments INTEGER
	);

	CREATE TABLE IF NOT EXISTS scans (
		scanid INTEGER PRIMARY KEY,
		mslevel INTEGER,
		lowmz DOUBLE,
		highmz DOUBLE,
		basepeakmz DOUBLE,
		basepeakintensity DOUBLE,
		precursorscanid INTEGER,
		precursormz DOUBLE,
		precursorintensity DOUBLE
	);

	CREATE TABLE IF NOT EXISTS peaks (
		scanid INTEGER REFERENCES scans(scanid),
		mz DOUBLE,
		intensity DOUBLE,
		childscan INTEGER,
		PRIMARY KEY (scanid, mz)
	);

	CREATE TABLE IF NOT EXISTS fragments (
		fragid INTEGER PRIMARY KEY AUTOINCREMENT,
		molid INTEGER REFERENCES molecules(molid),
		scanid INTEGER,
		mz DOUBLE,
		mass DOUBLE,
		score DOUBLE,
		parentfragid INTEGER,
		atoms TEXT,
		identifier TEXT,
		deltah DOUBLE,
		deltappm DOUBLE,
		formula TEXT,
		ion TEXT
	);

	CREATE INDEX IF NOT EXISTS fragments_scan ON fragments (scanid, parentfragid);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// prepareStatements prepares SQL statements for batch insertion
func (w *Writer) prepareStatements() error {
	var err error

	w.moleculeStmt, err = w.db.Prepare(`
		INSERT INTO molecules (
			runid, candidate, name, formula, mim, charge, natoms,
			identifier, molblock, outcome, nhits, nfragments
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare molecule statement: %w", err)
	}

	w.fragmentStmt, err = w.db.Prepare(`
		INSERT INTO fragments (
			molid, scanid, mz, mass, score, parentfragid, atoms,
			identifier, deltah, deltappm, formula, ion
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare fragment statement: %w", err)
	}

	w.scanStmt, err = w.db.Prepare(`
		INSERT OR IGNORE INTO scans (
			scanid, mslevel, lowmz, highmz, basepeakmz, basepeakintensity,
			precursorscanid, precursormz, precursorintensity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare scan statement: %w", err)
	}

	w.peakStmt, err = w.db.Prepare(`
		INSERT OR IGNORE INTO peaks (scanid, mz, intensity, childscan) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare peak statement: %w", err)
	}

	return nil
}

func (w *Writer) writeRun() error {
	r := w.run
	_, err := w.db.Exec(`
		INSERT INTO run (
			runid, description, created, ionisation_mode, max_broken_bonds,
			max_water_losses, mz_precision, mz_precision_abs, ms_intensity_cutoff,
			msms_intensity_cutoff, use_all_peaks, adducts, max_charge,
			missing_fragment_penalty, mass_filter
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.runID, r.Description, time.Now().Format(runDateFormat), r.IonMode, r.MaxBrokenBonds,
		r.MaxWaterLosses, r.PPM, r.Abs, r.MSIntensityCutoff,
		r.MSMSIntensityCutoff, r.UseAllPeaks, r.Adducts, r.MaxCharge,
		r.MissingFragmentPenalty, r.MassFilter)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// WriteScans stores every scan and peak of the given trees
func (w *Writer) WriteScans(roots []*core.Scan) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	scanStmt := tx.Stmt(w.scanStmt)
	peakStmt := tx.Stmt(w.peakStmt)

	for _, root := range roots {
		var werr error
		root.Walk(func(s *core.Scan) {
			if werr != nil || len(s.Peaks) == 0 {
				return
			}
			low, high := s.Peaks[0].MZ, s.Peaks[0].MZ
			for _, p := range s.Peaks {
				low = math.Min(low, p.MZ)
				high = math.Max(high, p.MZ)
			}
			base := s.BasePeak()

			if _, err := scanStmt.Exec(
				s.ID,                 // scanid
				s.Level,              // mslevel
				low,                  // lowmz
				high,                 // highmz
				base.MZ,              // basepeakmz
				base.Intensity,       // basepeakintensity
				s.PrecursorScanID,    // precursorscanid
				s.PrecursorMZ,        // precursormz
				s.PrecursorIntensity, // precursorintensity
			); err != nil {
				werr = fmt.Errorf("failed to insert scan %d: %w", s.ID, err)
				return
			}

			for _, p := range s.Peaks {
				var child interface{} = nil
				if p.Child != nil {
					child = p.Child.ID
				}
				if _, err := peakStmt.Exec(s.ID, p.MZ, p.Intensity, child); err != nil {
					werr = fmt.Errorf("failed to insert peak %f of scan %d: %w", p.MZ, s.ID, err)
					return
				}
			}
		})
		if werr != nil {
			return werr
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scans: %w", err)
	}
	return nil
}

// WriteResult stores one candidate and its hit trees. Duplicate structures
// and candidates above the mass filter are not stored.
func (w *Writer) WriteResult(res annotate.Result) error {
	if res.Outcome == metrics.OutcomeDuplicate || res.Outcome == metrics.OutcomeTooHeavy {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		formula    string
		mim        float64
		natoms     int
		identifier string
	)
	if res.Molecule != nil {
		formula = res.Molecule.MolecularFormula()
		mim = res.Molecule.MonoisotopicMass()
		natoms = res.Molecule.NumAtoms()
		identifier = res.Molecule.StructureIdentifier()
	}

	r, err := tx.Stmt(w.moleculeStmt).Exec(
		w.runID,                // runid
		res.Candidate.ID,       // candidate
		res.Candidate.Name,     // name
		formula,                // formula
		mim,                    // mim
		res.MolCharge,          // charge
		natoms,                 // natoms
		identifier,             // identifier
		res.Candidate.Molblock, // molblock
		res.Outcome,            // outcome
		len(res.Hits),          // nhits
		res.Fragments,          // nfragments
	)
	if err != nil {
		return fmt.Errorf("failed to insert molecule %q: %w", res.Candidate.Name, err)
	}
	molID, err := r.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read molecule id: %w", err)
	}

	fragStmt := tx.Stmt(w.fragmentStmt)
	for _, hit := range res.Hits {
		if err := w.writeHit(fragStmt, hit, molID); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit molecule %q: %w", res.Candidate.Name, err)
	}
	return nil
}

// writeHit stores a hit tree parents first so children can reference the
// parent's row id. Top-level hits have parent 0.
func (w *Writer) writeHit(stmt *sql.Stmt, root *match.Hit, molID int64) error {
	type item struct {
		hit    *match.Hit
		parent int64
	}

	stack := []item{{root, 0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		h := it.hit

		r, err := stmt.Exec(
			molID,                // molid
			h.Peak.ScanID,        // scanid
			h.Peak.MZ,            // mz
			h.Mass,               // mass
			w.normalizedScore(h), // score
			it.parent,            // parentfragid
			h.AtomString,         // atoms
			h.Identifier,         // identifier
			h.DeltaH,             // deltah
			w.deltaPPM(h),        // deltappm
			h.Formula,            // formula
			h.Ion,                // ion
		)
		if err != nil {
			return fmt.Errorf("failed to insert fragment: %w", err)
		}
		id, err := r.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read fragment id: %w", err)
		}

		for i := len(h.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{h.Children[i], id})
		}
	}
	return nil
}

// normalizedScore divides the hit score by the peak's intensity weight, the
// missing penalty of its subtree in units of the per-peak penalty
func (w *Writer) normalizedScore(h *match.Hit) float64 {
	weight := h.Peak.MissingPenalty / w.run.MissingFragmentPenalty
	if weight <= 0 {
		return h.Score
	}
	return h.Score / weight
}

// deltaPPM is the m/z error of the assigned ion in ppm
func (w *Writer) deltaPPM(h *match.Hit) float64 {
	mz := h.Peak.MZ
	charge := float64(core.IonCharge(h.Ion))
	return (mz - (h.Mass+h.DeltaH)/charge + float64(w.run.IonMode)*core.ElectronMass) / mz * 1e6
}

// RankedList returns this run's molecules matched to top-level peaks of scanID
func (w *Writer) RankedList(scanID int) ([]RankedMolecule, error) {
	return rankedList(w.db, w.runID, scanID)
}

func (w *Writer) closeStatements() {
	for _, stmt := range []*sql.Stmt{w.moleculeStmt, w.fragmentStmt, w.scanStmt, w.peakStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

// Finalize closes prepared statements and the database
func (w *Writer) Finalize() error {
	w.closeStatements()

	if err := w.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// Close closes the database connection (alias for Finalize)
func (w *Writer) Close() error {
	return w.Finalize()
}
