// Package filter provides intensity filtering of spectral trees
package filter

import (
	"fmt"
	"sort"

	"github.com/ChrisMcGann/FragKey/pkg/core"
)

// Config holds filtering configuration
type Config struct {
	MSIntensityCutoff      float64 // Absolute cutoff for MS1 peaks
	MSMSIntensityCutoff    float64 // Keep only MSn peaks above this % of the scan's base peak
	TopN                   int     // Keep only top N most intense peaks per MSn scan (0 = no limit)
	MissingFragmentPenalty float64 // Penalty per sqrt(intensity) recomputed after filtering
}

// Validate checks the cutoffs.
func (c *Config) Validate() error {
	if c.MSIntensityCutoff < 0 {
		return &core.ConfigurationError{Field: "ms_intensity_cutoff", Message: "must be non-negative"}
	}
	if c.MSMSIntensityCutoff < 0 || c.MSMSIntensityCutoff > 100 {
		return &core.ConfigurationError{Field: "msms_intensity_cutoff", Message: fmt.Sprintf("must be a percentage, got %g", c.MSMSIntensityCutoff)}
	}
	if c.TopN < 0 {
		return &core.ConfigurationError{Field: "top_n", Message: "must be non-negative"}
	}
	return nil
}

// Apply applies all configured filters to a spectral tree and recomputes
// the missing fragment penalties of the remaining peaks. A dropped peak
// takes its child scan with it.
func (c *Config) Apply(root *core.Scan) error {
	if err := c.Validate(); err != nil {
		return err
	}

	RemoveZeroIntensityPeaks(root)

	root.Walk(func(scan *core.Scan) {
		if scan.Level == 1 {
			c.filterAbsolute(scan)
			return
		}
		if c.MSMSIntensityCutoff > 0 {
			c.filterRelative(scan)
		}
		if c.TopN > 0 {
			c.filterTopN(scan)
		}
	})

	// Ensure peaks are sorted after all filtering
	root.Walk(func(scan *core.Scan) { scan.SortPeaks() })

	penalty := c.MissingFragmentPenalty
	if penalty == 0 {
		penalty = core.DefaultMissingFragmentPenalty
	}
	core.AssignMissingPenalties(root, penalty)

	return nil
}

// filterAbsolute removes MS1 peaks below the absolute cutoff
func (c *Config) filterAbsolute(scan *core.Scan) {
	scan.Peaks = keep(scan.Peaks, func(p *core.Peak) bool {
		return p.Intensity >= c.MSIntensityCutoff
	})
}

// filterRelative removes peaks below the cutoff percentage of the base peak
func (c *Config) filterRelative(scan *core.Scan) {
	base := scan.BasePeak()
	if base == nil {
		return
	}

	threshold := (c.MSMSIntensityCutoff / 100.0) * base.Intensity
	scan.Peaks = keep(scan.Peaks, func(p *core.Peak) bool {
		return p.Intensity >= threshold
	})
}

// filterTopN keeps only the N most intense peaks
func (c *Config) filterTopN(scan *core.Scan) {
	if len(scan.Peaks) <= c.TopN {
		return
	}

	peaks := make([]*core.Peak, len(scan.Peaks))
	copy(peaks, scan.Peaks)

	sort.SliceStable(peaks, func(i, j int) bool {
		return peaks[i].Intensity > peaks[j].Intensity
	})

	scan.Peaks = peaks[:c.TopN]
}

// RemoveZeroIntensityPeaks removes peaks with zero or negative intensity
// from every scan of the tree
func RemoveZeroIntensityPeaks(root *core.Scan) {
	root.Walk(func(scan *core.Scan) {
		scan.Peaks = keep(scan.Peaks, func(p *core.Peak) bool {
			return p.Intensity > 0
		})
	})
}

func keep(peaks []*core.Peak, ok func(*core.Peak) bool) []*core.Peak {
	var filtered []*core.Peak
	for _, p := range peaks {
		if ok(p) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}
