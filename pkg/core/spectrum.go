package core

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultMissingFragmentPenalty is the per-sqrt(intensity) cost of a peak that
// no fragment explains.
const DefaultMissingFragmentPenalty = 10.0

// Scan is one spectrum of a spectral tree. Level-1 scans are tree roots; a
// scan at level n+1 holds the fragment peaks of one precursor peak at level n.
type Scan struct {
	ID                 int
	Level              int
	PrecursorMZ        float64
	PrecursorIntensity float64
	PrecursorScanID    int
	Peaks              []*Peak
}

// Peak represents a single m/z, intensity pair within a scan, optionally
// fragmented further into a child scan.
type Peak struct {
	MZ        float64
	Intensity float64
	ScanID    int
	Child     *Scan // nil for leaf peaks

	// MissingPenalty is the cost charged when neither this peak nor any of
	// its descendants is explained by a fragment.
	MissingPenalty float64
}

// HasChildren reports whether the peak was fragmented into a non-empty scan.
func (p *Peak) HasChildren() bool {
	return p.Child != nil && len(p.Child.Peaks) > 0
}

// Weight is the intensity scaling applied to fragment scores of this peak.
func (p *Peak) Weight() float64 {
	return math.Sqrt(p.Intensity)
}

// ValidationError represents an error found during spectrum validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// ConfigurationError reports run parameters that make annotation impossible.
// It is fatal to a run and surfaces before any candidate is processed.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Message)
}

// Validate checks that the scan and all of its descendants hold usable peaks.
func (s *Scan) Validate() error {
	var errs []string

	s.Walk(func(scan *Scan) {
		if scan.Level <= 0 {
			errs = append(errs, fmt.Sprintf("scan %d has invalid ms level %d", scan.ID, scan.Level))
		}
		for i, peak := range scan.Peaks {
			if math.IsNaN(peak.MZ) || math.IsInf(peak.MZ, 0) {
				errs = append(errs, fmt.Sprintf("scan %d peak %d has invalid m/z", scan.ID, i))
			}
			if math.IsNaN(peak.Intensity) || math.IsInf(peak.Intensity, 0) {
				errs = append(errs, fmt.Sprintf("scan %d peak %d has invalid intensity", scan.ID, i))
			}
			if peak.MZ <= 0 {
				errs = append(errs, fmt.Sprintf("scan %d peak %d m/z must be positive", scan.ID, i))
			}
			if peak.Intensity < 0 {
				errs = append(errs, fmt.Sprintf("scan %d peak %d intensity must be non-negative", scan.ID, i))
			}
			if peak.Child != nil && peak.Child.Level != scan.Level+1 {
				errs = append(errs, fmt.Sprintf("scan %d peak %d child scan %d has level %d, want %d",
					scan.ID, i, peak.Child.ID, peak.Child.Level, scan.Level+1))
			}
		}
	})

	if len(errs) > 0 {
		return &ValidationError{
			Field:   "Scan",
			Message: strings.Join(errs, "; "),
		}
	}

	return nil
}

// Walk calls fn for the scan and every descendant scan, parents first.
func (s *Scan) Walk(fn func(*Scan)) {
	stack := []*Scan{s}
	for len(stack) > 0 {
		scan := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(scan)
		for i := len(scan.Peaks) - 1; i >= 0; i-- {
			if c := scan.Peaks[i].Child; c != nil {
				stack = append(stack, c)
			}
		}
	}
}

// BasePeak returns the most intense peak of the scan, or nil if it is empty.
func (s *Scan) BasePeak() *Peak {
	var base *Peak
	for _, p := range s.Peaks {
		if base == nil || p.Intensity > base.Intensity {
			base = p
		}
	}
	return base
}

// SortPeaks sorts peaks by m/z in ascending order.
func (s *Scan) SortPeaks() {
	sort.SliceStable(s.Peaks, func(i, j int) bool {
		return s.Peaks[i].MZ < s.Peaks[j].MZ
	})
}

// Depth returns the number of levels in the tree rooted at this scan.
func (s *Scan) Depth() int {
	type item struct {
		scan  *Scan
		depth int
	}
	max := 0
	stack := []item{{s, 1}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.depth > max {
			max = it.depth
		}
		for _, p := range it.scan.Peaks {
			if p.Child != nil {
				stack = append(stack, item{p.Child, it.depth + 1})
			}
		}
	}
	return max
}

// AssignMissingPenalties sets every peak's missing-fragment penalty to
// penalty*sqrt(intensity) plus the penalties of its child scan's peaks.
// Children are resolved before their parents.
func AssignMissingPenalties(root *Scan, penalty float64) {
	type frame struct {
		peak *Peak
		done bool
	}

	var stack []frame
	for i := len(root.Peaks) - 1; i >= 0; i-- {
		stack = append(stack, frame{peak: root.Peaks[i]})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !f.done && f.peak.Child != nil {
			stack = append(stack, frame{peak: f.peak, done: true})
			for _, c := range f.peak.Child.Peaks {
				stack = append(stack, frame{peak: c})
			}
			continue
		}

		p := f.peak
		p.MissingPenalty = penalty * math.Sqrt(p.Intensity)
		if p.Child != nil {
			for _, c := range p.Child.Peaks {
				p.MissingPenalty += c.MissingPenalty
			}
		}
	}
}

// FormatTree renders the fragmented peaks of a root scan in mass tree
// notation: "mz: intensity (child, child)".
func FormatTree(root *Scan, allPeaks bool) string {
	type item struct {
		peak *Peak
		text string // emitted as is when peak is nil
	}

	var stack []item
	push := func(peaks []*Peak) {
		for i := len(peaks) - 1; i >= 0; i-- {
			stack = append(stack, item{peak: peaks[i]})
			if i > 0 {
				stack = append(stack, item{text: ", "})
			}
		}
	}

	var top []*Peak
	for _, p := range root.Peaks {
		if allPeaks || p.Child != nil {
			top = append(top, p)
		}
	}
	push(top)

	var b strings.Builder
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if it.peak == nil {
			b.WriteString(it.text)
			continue
		}
		fmt.Fprintf(&b, "%.6f: %d", it.peak.MZ, int64(it.peak.Intensity))
		if it.peak.Child != nil {
			b.WriteString(" (")
			stack = append(stack, item{text: ")"})
			push(it.peak.Child.Peaks)
		}
	}
	return b.String()
}
