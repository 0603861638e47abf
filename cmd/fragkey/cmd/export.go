package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/FragKey/pkg/writer/sqlite"
)

var (
	// Flags for export command
	exportScan int
	exportRun  string
)

func init() {
	exportCmd.Flags().IntVar(&exportScan, "scan", 1, "Scan whose top-level hits are ranked")
	exportCmd.Flags().StringVar(&exportRun, "run", "", "Run id to export (default: latest run, 'all' for every run)")
}

var exportCmd = &cobra.Command{
	Use:   "export [db]",
	Short: "Print the ranked candidate list of a scan",
	Long: `Print the candidates matched to the top-level peaks of a scan, best
(lowest) score first.

Examples:
  fragkey export results.db
  fragkey export results.db --scan 1 --run all`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("database does not exist: %s", path)
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	runID := exportRun
	switch runID {
	case "":
		runID, err = store.LatestRun()
		if err != nil {
			return err
		}
	case "all":
		runID = ""
	}

	list, err := store.RankedList(runID, exportScan)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Candidate_Score\tName\tFormula\tIon\tMZ\tIdentifier")
	for _, m := range list {
		fmt.Fprintf(w, "%.4f\t%s\t%s\t%s\t%.6f\t%s\n", m.Score, m.Name, m.Formula, m.Ion, m.MZ, m.Identifier)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Fprintf(os.Stderr, "Warning: no candidates matched scan %d\n", exportScan)
	}
	return nil
}
