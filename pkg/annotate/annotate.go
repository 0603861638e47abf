// Package annotate runs candidate molecules against a forest of spectral
// trees: prefilter, mass match, fragment enumeration and hit tree matching,
// one candidate per worker.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChrisMcGann/FragKey/pkg/core"
	"github.com/ChrisMcGann/FragKey/pkg/fragment"
	"github.com/ChrisMcGann/FragKey/pkg/match"
	"github.com/ChrisMcGann/FragKey/pkg/metrics"
	"github.com/ChrisMcGann/FragKey/pkg/molecule"
	"github.com/ChrisMcGann/FragKey/pkg/prefilter"
)

// Candidate is one structure to annotate.
type Candidate struct {
	ID       int
	Name     string
	Molblock string
}

// Result is the outcome for one candidate, in input order.
type Result struct {
	Candidate Candidate
	Molecule  *molecule.Molecule // nil when the molblock could not be parsed
	MolCharge int
	Fragments int
	Hits      []*match.Hit
	Outcome   string // one of the metrics.Outcome values
	Err       error  // reason for an unusable candidate
}

// Options configures an annotation run.
type Options struct {
	Fragment    fragment.Options
	Tolerance   core.Tolerance
	Ions        core.IonTable
	UseAllPeaks bool
	MassFilter  float64       // candidates above this mass are skipped, 0 means no limit
	Workers     int           // 0 means GOMAXPROCS
	TimeLimit   time.Duration // 0 means no limit
	Logger      *slog.Logger  // nil means slog.Default()
}

// Engine annotates batches of candidates.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// New validates the run options.
func New(opts Options) (*Engine, error) {
	mode := opts.Fragment.IonMode
	if mode != core.PositiveMode && mode != core.NegativeMode {
		return nil, &core.ConfigurationError{Field: "ionisation_mode", Message: fmt.Sprintf("must be 1 or -1, got %d", mode)}
	}
	if opts.Ions.MaxCharge() < 1 {
		return nil, &core.ConfigurationError{Field: "adducts", Message: "ion table has no charged ions"}
	}
	if opts.Fragment.MaxBrokenBonds < 0 || opts.Fragment.MaxWaterLosses < 0 {
		return nil, &core.ConfigurationError{Field: "max_broken_bonds", Message: "bond breaks and water losses must be non-negative"}
	}
	if opts.Tolerance.PPM < 0 || opts.Tolerance.Abs < 0 {
		return nil, &core.ConfigurationError{Field: "tolerance", Message: "tolerances must be non-negative"}
	}
	if opts.MassFilter < 0 {
		return nil, &core.ConfigurationError{Field: "mass_filter", Message: "must be non-negative"}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{opts: opts, logger: logger}, nil
}

// Run annotates candidates against the spectral trees rooted at roots. A
// structure seen earlier in the batch is reported as a duplicate and not
// annotated again. The time limit and ctx are only checked between
// candidates; candidates not started in time are reported as skipped. The
// returned error is ctx's error when the caller cancelled the run.
func (e *Engine) Run(ctx context.Context, candidates []Candidate, roots []*core.Scan) ([]Result, error) {
	ix := prefilter.New(roots, e.opts.UseAllPeaks)
	e.logger.Info("annotation started",
		slog.Int("candidates", len(candidates)),
		slog.Int("indexed_peaks", ix.Len()),
		slog.Int("workers", e.opts.Workers))

	runCtx := ctx
	if e.opts.TimeLimit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.TimeLimit)
		defer cancel()
	}

	start := time.Now()
	results := make([]Result, len(candidates))
	parsed := e.parseAll(candidates, results)

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(e.opts.Workers)
	for i, c := range candidates {
		if results[i].Outcome == metrics.OutcomeDuplicate {
			continue
		}
		i, c := i, c
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = Result{Candidate: c, Outcome: metrics.OutcomeSkipped}
				metrics.CandidatesTotal.WithLabelValues(metrics.OutcomeSkipped).Inc()
				return nil
			}
			results[i] = e.annotate(c, parsed[i].mol, parsed[i].err, ix)
			return nil
		})
	}
	_ = g.Wait()

	skipped := 0
	for _, r := range results {
		if r.Outcome == metrics.OutcomeSkipped {
			skipped++
		}
	}
	if skipped > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		e.logger.Warn("time limit reached", slog.Duration("limit", e.opts.TimeLimit), slog.Int("skipped", skipped))
	}

	e.logger.Info("annotation finished",
		slog.Duration("duration", time.Since(start)),
		slog.Int("skipped", skipped))

	return results, ctx.Err()
}

type parsedMolecule struct {
	mol *molecule.Molecule
	err error
}

// parseAll parses every molblock and marks structures already seen in the
// batch as duplicates of their first occurrence. Unparsable molblocks are
// left for annotate to report.
func (e *Engine) parseAll(candidates []Candidate, results []Result) []parsedMolecule {
	parsed := make([]parsedMolecule, len(candidates))
	first := make(map[string]int)
	for i, c := range candidates {
		mol, err := molecule.Parse(c.Molblock)
		parsed[i] = parsedMolecule{mol: mol, err: err}
		if err != nil {
			continue
		}

		id := mol.StructureIdentifier()
		j, seen := first[id]
		if !seen {
			first[id] = i
			continue
		}
		e.logger.Info("skipping duplicate structure",
			slog.Int("candidate", c.ID),
			slog.String("name", c.Name),
			slog.String("duplicate_of", candidates[j].Name))
		results[i] = Result{Candidate: c, Molecule: mol, Outcome: metrics.OutcomeDuplicate}
		metrics.CandidatesTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
	}
	return parsed
}

// Annotate processes one candidate. The fragment engine is only built when
// at least one peak matches the molecule's mass.
func (e *Engine) Annotate(c Candidate, ix *prefilter.Index) Result {
	mol, err := molecule.Parse(c.Molblock)
	return e.annotate(c, mol, err, ix)
}

func (e *Engine) annotate(c Candidate, mol *molecule.Molecule, parseErr error, ix *prefilter.Index) Result {
	start := time.Now()
	defer func() { metrics.CandidateDuration.Observe(time.Since(start).Seconds()) }()

	res := Result{Candidate: c}
	log := e.logger.With(slog.Int("candidate", c.ID), slog.String("name", c.Name))

	if parseErr != nil {
		return e.unusable(log, res, parseErr)
	}
	res.Molecule = mol

	mode := e.opts.Fragment.IonMode
	mim := mol.MonoisotopicMass()
	res.MolCharge = MolCharge(mol.MolecularFormula(), mode)

	if e.opts.MassFilter > 0 && mim > e.opts.MassFilter {
		log.Info("skipping molecule above mass filter", slog.Float64("mim", mim), slog.Float64("mass_filter", e.opts.MassFilter))
		res.Outcome = metrics.OutcomeTooHeavy
		metrics.CandidatesTotal.WithLabelValues(res.Outcome).Inc()
		return res
	}

	var matcher *match.Matcher
	for _, peak := range ix.Candidates(mim, res.MolCharge, e.opts.Ions) {
		ion, ok := MassMatch(peak, mim, res.MolCharge, e.opts.Ions, e.opts.Tolerance, mode)
		if !ok {
			continue
		}

		if matcher == nil {
			opts := e.opts.Fragment
			opts.MolCharge = res.MolCharge
			fe, err := fragment.New(mol, opts)
			if err != nil {
				return e.unusable(log, res, err)
			}
			res.Fragments = fe.GenerateFragments()
			metrics.FragmentsGenerated.Observe(float64(res.Fragments))
			log.Debug("fragments generated", slog.Int("fragments", res.Fragments))
			matcher = match.New(fe, mode, e.opts.Tolerance)
		}

		hit := matcher.Match(peak, mim, ion)
		matcher.Annotate(hit)
		res.Hits = append(res.Hits, hit)
	}

	if len(res.Hits) == 0 {
		log.Info("no match")
		res.Outcome = metrics.OutcomeNoMatch
	} else {
		log.Info("matched", slog.Int("hits", len(res.Hits)), slog.Int("fragments", res.Fragments))
		res.Outcome = metrics.OutcomeMatched
		metrics.HitsTotal.Add(float64(len(res.Hits)))
	}
	metrics.CandidatesTotal.WithLabelValues(res.Outcome).Inc()
	return res
}

func (e *Engine) unusable(log *slog.Logger, res Result, err error) Result {
	if !errors.Is(err, fragment.ErrUnusableMolecule) {
		err = fmt.Errorf("%w: %w", fragment.ErrUnusableMolecule, err)
	}
	log.Warn("skipping unusable molecule", slog.Any("error", err))
	res.Outcome = metrics.OutcomeUnusable
	res.Err = err
	metrics.CandidatesTotal.WithLabelValues(metrics.OutcomeUnusable).Inc()
	return res
}
