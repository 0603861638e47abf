package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChrisMcGann/FragKey/pkg/config"
	"github.com/ChrisMcGann/FragKey/pkg/core"
)

var (
	// Flags for tree command
	treeAllPeaks bool
	treeFiltered bool
)

func init() {
	treeCmd.Flags().StringVar(&treeFormat, "tree-format", "mass_tree", "Tree format: mass_tree, form_tree_pos, form_tree_neg")
	treeCmd.Flags().BoolVar(&treeAllPeaks, "all-peaks", false, "Include MS1 peaks without fragment scans")
	treeCmd.Flags().BoolVar(&treeFiltered, "filter", false, "Apply the configured intensity cutoffs first")
}

var treeCmd = &cobra.Command{
	Use:   "tree [file]",
	Short: "Parse a spectral tree and print it in mass tree notation",
	Long: `Parse a mass tree or formula tree file and print it back in normalized
mass tree notation, followed by a summary of its scans.

Examples:
  fragkey tree tree.txt
  fragkey tree formulas.txt --tree-format form_tree_pos --all-peaks`,
	Args: cobra.ExactArgs(1),
	RunE: runTree,
}

func runTree(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(func(c *config.Config) {
		if cmd.Flags().Changed("tree-format") {
			c.TreeFormat = treeFormat
		}
		if !treeFiltered {
			c.MSIntensityCutoff = 0
			c.MSMSIntensityCutoff = 0
			c.TopN = 0
		}
	})
	if err != nil {
		return err
	}

	root, err := readTree(args[0], cfg)
	if err != nil {
		return err
	}

	fmt.Println(core.FormatTree(root, treeAllPeaks))

	scans, peaks := 0, 0
	root.Walk(func(s *core.Scan) {
		scans++
		peaks += len(s.Peaks)
	})
	fmt.Printf("\nScans: %d\n", scans)
	fmt.Printf("Peaks: %d\n", peaks)
	fmt.Printf("Depth: %d\n", root.Depth())
	return nil
}
