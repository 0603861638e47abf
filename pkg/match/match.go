// Package match assigns fragments of a candidate molecule to the peaks of a
// spectral tree. Each child peak gets the best sub-fragment of its parent's
// fragment, and a hit's score accumulates the cost of its whole subtree.
package match

import (
	"math"

	"github.com/bits-and-blooms/bitset"

	"github.com/ChrisMcGann/FragKey/pkg/core"
	"github.com/ChrisMcGann/FragKey/pkg/fragment"
)

// Hit is the assignment of a fragment to one peak.
type Hit struct {
	Peak     *core.Peak
	Fragment *bitset.BitSet
	Score    float64
	Breaks   int
	Mass     float64 // neutral fragment mass without hydrogen shift
	Shift    int     // hydrogen shift
	DeltaH   float64 // mass added to Mass to form the ion
	Ion      string
	Children []*Hit

	// Filled in by Annotate.
	Atoms      []int
	AtomString string
	Formula    string
	Identifier string
}

// Walk calls fn for the hit and every descendant hit, parents first.
func (h *Hit) Walk(fn func(*Hit)) {
	stack := []*Hit{h}
	for len(stack) > 0 {
		hit := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(hit)
		for i := len(hit.Children) - 1; i >= 0; i-- {
			stack = append(stack, hit.Children[i])
		}
	}
}

// Matcher walks spectral trees against the fragments of one engine.
type Matcher struct {
	engine  *fragment.Engine
	ionMode int
	tol     core.Tolerance
}

// New returns a matcher over engine. The engine must have generated its
// fragments.
func New(engine *fragment.Engine, ionMode int, tol core.Tolerance) *Matcher {
	return &Matcher{engine: engine, ionMode: ionMode, tol: tol}
}

// frame is the state of one hit whose child peaks are being resolved.
type frame struct {
	hit        *Hit
	childIdx   int
	candidates []fragment.Match
	candIdx    int
	best       *Hit
	total      float64
}

// Match builds the hit tree for a top-level peak already matched to the whole
// molecule with monoisotopic mass mim as ion. Hits are resolved bottom-up: a
// candidate child hit is only compared once its own subtree is scored.
func (m *Matcher) Match(peak *core.Peak, mim float64, ion core.Ion) *Hit {
	root := &Hit{
		Peak:     peak,
		Fragment: m.engine.WholeMolecule(),
		Mass:     mim,
		DeltaH:   ion.Mass,
		Ion:      ion.Label,
	}
	if !expandable(root) {
		return root
	}

	stack := []*frame{{hit: root, childIdx: -1}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		peaks := f.hit.Peak.Child.Peaks

		if f.candIdx < len(f.candidates) {
			c := f.candidates[f.candIdx]
			f.candIdx++
			child := m.childHit(peaks[f.childIdx], c)
			if expandable(child) {
				stack = append(stack, &frame{hit: child, childIdx: -1})
				continue
			}
			m.consider(f, child)
			continue
		}

		if f.childIdx >= 0 {
			settle(f, peaks[f.childIdx])
		}
		f.childIdx++
		if f.childIdx < len(peaks) {
			f.candidates = m.candidates(peaks[f.childIdx], f.hit.Fragment)
			f.candIdx = 0
			f.best = nil
			continue
		}

		f.hit.Score += f.total
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			m.consider(stack[len(stack)-1], f.hit)
		}
	}

	return root
}

// candidates returns the strict sub-fragments of parent that explain peak.
func (m *Matcher) candidates(peak *core.Peak, parent *bitset.BitSet) []fragment.Match {
	neutral := peak.MZ + float64(m.ionMode)*core.ElectronMass
	size := parent.Count()

	var out []fragment.Match
	for _, c := range m.engine.FindFragments(neutral, m.tol) {
		if c.Fragment.Count() < size && parent.IsSuperSet(c.Fragment) {
			out = append(out, c)
		}
	}
	return out
}

func (m *Matcher) childHit(peak *core.Peak, c fragment.Match) *Hit {
	return &Hit{
		Peak:     peak,
		Fragment: c.Fragment,
		Score:    float64(c.Score) * peak.Weight(),
		Breaks:   c.Breaks,
		Mass:     c.Mass,
		Shift:    c.Shift,
		DeltaH:   float64(c.Shift) * core.MassH,
		Ion:      core.FragmentIonLabel(c.Shift, m.ionMode),
	}
}

// consider keeps child as the frame's best candidate if it beats the current
// one: lower score, then smaller hydrogen shift, then the cheaper cut
// relative to the parent fragment scoring higher.
func (m *Matcher) consider(f *frame, child *Hit) {
	if f.best == nil || m.better(child, f.best, f.hit.Fragment) {
		f.best = child
	}
}

func (m *Matcher) better(a, b *Hit, parent *bitset.BitSet) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	sa, sb := abs(a.Shift), abs(b.Shift)
	if sa != sb {
		return sa < sb
	}
	return m.engine.ScoreRelativeToParent(a.Fragment, parent) > m.engine.ScoreRelativeToParent(b.Fragment, parent)
}

// settle charges the frame for a resolved child peak: the best hit's score
// capped at the peak's missing penalty, or the full penalty without a hit.
func settle(f *frame, peak *core.Peak) {
	if f.best == nil {
		f.total += peak.MissingPenalty
		return
	}
	f.hit.Children = append(f.hit.Children, f.best)
	f.total += math.Min(f.best.Score, peak.MissingPenalty)
}

func expandable(h *Hit) bool {
	return h.Fragment != nil && h.Fragment.Any() && h.Peak.HasChildren()
}

// Annotate fills in atoms, formula and identifier for every hit of the tree
// that carries a fragment.
func (m *Matcher) Annotate(hit *Hit) {
	hit.Walk(func(h *Hit) {
		if h.Fragment == nil || !h.Fragment.Any() {
			return
		}
		info := m.engine.FragmentInfo(h.Fragment)
		h.Atoms = info.Atoms
		h.AtomString = info.AtomString
		h.Formula = info.Formula
		h.Identifier = info.Identifier
	})
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
