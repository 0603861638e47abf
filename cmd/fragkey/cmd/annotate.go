package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/FragKey/pkg/annotate"
	"github.com/ChrisMcGann/FragKey/pkg/config"
	"github.com/ChrisMcGann/FragKey/pkg/core"
	"github.com/ChrisMcGann/FragKey/pkg/metrics"
	"github.com/ChrisMcGann/FragKey/pkg/reader/masstree"
	"github.com/ChrisMcGann/FragKey/pkg/reader/sdf"
	"github.com/ChrisMcGann/FragKey/pkg/writer/sqlite"
)

var (
	// Flags for annotate command
	structuresFile      string
	treeFile            string
	outputFile          string
	description         string
	treeFormat          string
	nameField           string
	massFilter          float64
	msIntensityCutoff   float64
	msmsIntensityCutoff float64
	topN                int
	useAllPeaks         bool
	ionisationMode      int
	adducts             string
	forceAdduct         bool
	maxCharge           int
	mzPrecision         float64
	mzPrecisionAbs      float64
	maxBrokenBonds      int
	maxWaterLosses      int
	skipFragmentation   bool
	fast                bool
	workers             int
	timeLimit           time.Duration
)

func init() {
	f := annotateCmd.Flags()
	f.StringVarP(&structuresFile, "structures", "s", "", "SD file with candidate structures (required)")
	f.StringVarP(&treeFile, "tree", "t", "", "Spectral tree file (required)")
	f.StringVarP(&outputFile, "out", "o", "", "Output database file (required)")
	f.StringVarP(&description, "description", "z", "", "Description of the run")
	f.StringVar(&treeFormat, "tree-format", "mass_tree", "Tree format: mass_tree, form_tree_pos, form_tree_neg")
	f.StringVar(&nameField, "name-field", "NAME", "SD data item holding the candidate name")
	f.Float64Var(&massFilter, "mass-filter", 9999, "Skip candidates with a monoisotopic mass above this value (0 = no limit)")
	f.Float64VarP(&msIntensityCutoff, "ms-intensity-cutoff", "c", 1e6, "Minimum intensity of MS1 precursor peaks")
	f.Float64VarP(&msmsIntensityCutoff, "msms-intensity-cutoff", "d", 5, "Minimum intensity of fragment peaks as % of base peak")
	f.IntVar(&topN, "top-n", 0, "Keep only top N most intense fragment peaks per scan (0 = no limit)")
	f.BoolVarP(&useAllPeaks, "use-all-peaks", "u", false, "Annotate all MS1 peaks, including those not fragmented")
	f.IntVarP(&ionisationMode, "ionisation-mode", "i", 1, "Ionisation mode: 1 or -1")
	f.StringVarP(&adducts, "adducts", "a", "", "Extra adducts, comma separated. Positive: Na,K,NH4,OH Negative: Cl")
	f.BoolVar(&forceAdduct, "force-adduct", false, "Use only the given adducts, without +H / -H")
	f.IntVarP(&maxCharge, "max-charge", "m", 1, "Maximum charge state")
	f.Float64VarP(&mzPrecision, "mz-precision", "p", 5, "Maximum relative m/z error (ppm)")
	f.Float64VarP(&mzPrecisionAbs, "mz-precision-abs", "q", 0.001, "Maximum absolute m/z error (Da)")
	f.IntVarP(&maxBrokenBonds, "max-broken-bonds", "b", 3, "Maximum number of bond breaks per fragment")
	f.IntVarP(&maxWaterLosses, "max-water-losses", "w", 1, "Maximum number of additional water or ammonia losses")
	f.BoolVar(&skipFragmentation, "skip-fragmentation", false, "Skip substructure annotation of fragment peaks")
	f.BoolVarP(&fast, "fast", "f", false, "Word-sized atom sets for molecules up to 64 atoms")
	f.IntVar(&workers, "workers", 0, "Number of worker goroutines (0 = number of CPUs)")
	f.DurationVar(&timeLimit, "time-limit", 0, "Stop starting new candidates after this duration (0 = no limit)")

	annotateCmd.MarkFlagRequired("structures")
	annotateCmd.MarkFlagRequired("tree")
	annotateCmd.MarkFlagRequired("out")
}

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Annotate a spectral tree with candidate structures",
	Long: `Match every candidate structure against a spectral tree and store the
hit trees in a SQLite database.

Examples:
  # Annotate with default settings
  fragkey annotate --structures candidates.sdf --tree tree.txt --out results.db

  # Negative mode with chloride adducts and deeper fragmentation
  fragkey annotate -s candidates.sdf -t tree.txt -o results.db -i -1 -a Cl -b 4

  # Read settings from a file, override the worker count
  fragkey annotate --config run.yaml -s candidates.sdf -t tree.txt -o results.db --workers 8`,
	RunE: runAnnotate,
}

// applyFlags copies explicitly set flags over the configuration
func applyFlags(cmd *cobra.Command) func(*config.Config) {
	return func(c *config.Config) {
		set := cmd.Flags().Changed
		if set("description") {
			c.Description = description
		}
		if set("tree-format") {
			c.TreeFormat = treeFormat
		}
		if set("name-field") {
			c.NameField = nameField
		}
		if set("mass-filter") {
			c.MassFilter = massFilter
		}
		if set("ms-intensity-cutoff") {
			c.MSIntensityCutoff = msIntensityCutoff
		}
		if set("msms-intensity-cutoff") {
			c.MSMSIntensityCutoff = msmsIntensityCutoff
		}
		if set("top-n") {
			c.TopN = topN
		}
		if set("use-all-peaks") {
			c.UseAllPeaks = useAllPeaks
		}
		if set("ionisation-mode") {
			c.IonisationMode = ionisationMode
		}
		if set("adducts") {
			c.Adducts = adducts
		}
		if set("force-adduct") {
			c.ForceAdduct = forceAdduct
		}
		if set("max-charge") {
			c.MaxCharge = maxCharge
		}
		if set("mz-precision") {
			c.MzPrecision = mzPrecision
		}
		if set("mz-precision-abs") {
			c.MzPrecisionAbs = mzPrecisionAbs
		}
		if set("max-broken-bonds") {
			c.MaxBrokenBonds = maxBrokenBonds
		}
		if set("max-water-losses") {
			c.MaxWaterLosses = maxWaterLosses
		}
		if set("skip-fragmentation") {
			c.SkipFragmentation = skipFragmentation
		}
		if set("fast") {
			c.Fast = fast
		}
		if set("workers") {
			c.Workers = workers
		}
		if set("time-limit") {
			c.TimeLimit = timeLimit
		}
	}
}

func runAnnotate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(applyFlags(cmd))
	if err != nil {
		return err
	}

	// Validate input files exist
	for _, path := range []string{structuresFile, treeFile} {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %s", path)
		}
	}

	fmt.Printf("Annotating %s with %s...\n", treeFile, structuresFile)
	fmt.Printf("Ionisation mode: %d\n", cfg.IonisationMode)
	fmt.Printf("Max broken bonds: %d, max water losses: %d\n", cfg.MaxBrokenBonds, cfg.MaxWaterLosses)
	fmt.Printf("Precision: %g ppm / %g Da\n", cfg.MzPrecision, cfg.MzPrecisionAbs)
	if cfg.Adducts != "" {
		fmt.Printf("Adducts: %s\n", cfg.Adducts)
	}

	root, err := readTree(treeFile, cfg)
	if err != nil {
		return err
	}

	candidates, err := readStructures(structuresFile, cfg.NameField)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d candidate structures\n", len(candidates))

	opts, err := cfg.AnnotateOptions()
	if err != nil {
		return err
	}
	opts.Logger = slog.Default()

	engine, err := annotate.New(opts)
	if err != nil {
		return err
	}

	writer, err := sqlite.NewWriter(outputFile, cfg.RunInfo())
	if err != nil {
		return fmt.Errorf("failed to create output database: %w", err)
	}
	finalized := false
	defer func() {
		if !finalized {
			writer.Close()
		}
	}()

	if err := writer.WriteScans([]*core.Scan{root}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, runErr := engine.Run(ctx, candidates, []*core.Scan{root})

	counts := make(map[string]int)
	hits := 0
	for _, res := range results {
		counts[res.Outcome]++
		hits += len(res.Hits)
		if res.Outcome == metrics.OutcomeUnusable {
			fmt.Fprintf(os.Stderr, "Warning: skipped molecule %s: %v\n", res.Candidate.Name, res.Err)
		}
		if err := writer.WriteResult(res); err != nil {
			return fmt.Errorf("failed to write molecule %s: %w", res.Candidate.Name, err)
		}
	}

	finalized = true
	if err := writer.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize database: %w", err)
	}

	if metricsFile != "" {
		if err := metrics.WriteFile(metricsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	fmt.Printf("\nAnnotation complete!\n")
	fmt.Printf("Run: %s\n", writer.RunID())
	fmt.Printf("Matched: %d molecules, %d precursor hits\n", counts[metrics.OutcomeMatched], hits)
	fmt.Printf("No match: %d molecules\n", counts[metrics.OutcomeNoMatch])
	if n := counts[metrics.OutcomeUnusable]; n > 0 {
		fmt.Printf("Skipped: %d molecules (unusable structures)\n", n)
	}
	if n := counts[metrics.OutcomeDuplicate]; n > 0 {
		fmt.Printf("Duplicates: %d molecules (structure already listed)\n", n)
	}
	if n := counts[metrics.OutcomeTooHeavy]; n > 0 {
		fmt.Printf("Mass filtered: %d molecules (above %g)\n", n, cfg.MassFilter)
	}
	if n := counts[metrics.OutcomeSkipped]; n > 0 {
		fmt.Printf("Not started: %d molecules (time limit or interrupt)\n", n)
	}
	fmt.Printf("Output: %s\n", outputFile)

	return runErr
}

// readTree reads, filters and validates the spectral tree
func readTree(path string, cfg *config.Config) (*core.Scan, error) {
	notation, err := cfg.Notation()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tree file: %w", err)
	}
	defer f.Close()

	root, err := masstree.Read(f, notation)
	if err != nil {
		return nil, fmt.Errorf("failed to read tree %s: %w", path, err)
	}

	filterConfig := cfg.FilterConfig()
	if err := filterConfig.Apply(root); err != nil {
		return nil, err
	}

	if err := root.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tree %s: %w", path, err)
	}

	return root, nil
}

// readStructures reads all candidates of an SD file
func readStructures(path, nameField string) ([]annotate.Candidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open structures file: %w", err)
	}
	defer f.Close()

	var candidates []annotate.Candidate
	reader := sdf.NewReader(f, nameField)
	for reader.Next() {
		rec := reader.Record()
		candidates = append(candidates, annotate.Candidate{
			ID:       rec.ID,
			Name:     rec.Name,
			Molblock: rec.Molblock,
		})
	}

	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("error reading structures file: %w", err)
	}

	return candidates, nil
}
