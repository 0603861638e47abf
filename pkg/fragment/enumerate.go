package fragment

import (
	"encoding/binary"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// Enumerator produces the admitted fragments of an engine's molecule in
// discovery order. Implementations differ only in how atom sets are stored
// and must return identical results.
type Enumerator interface {
	Enumerate(e *Engine) []Fragment
}

// generalEnumerator stores atom sets as growable bitsets and handles any
// molecule size.
type generalEnumerator struct{}

func (generalEnumerator) Enumerate(e *Engine) []Fragment {
	return enumerate[*bitset.BitSet, string](e, bitsetOps{n: uint(e.natoms)})
}

// fastEnumerator packs atom sets into a single machine word. Only valid for
// molecules of at most 64 atoms.
type fastEnumerator struct{}

func (fastEnumerator) Enumerate(e *Engine) []Fragment {
	return enumerate[uint64, uint64](e, wordOps{n: uint(e.natoms)})
}

// atomSetOps abstracts the set representation S with map key K. Operations
// other than add return a new set and leave their argument untouched.
type atomSetOps[S any, K comparable] interface {
	whole() S
	single(atom int) S
	has(s S, atom int) bool
	without(s S, atom int) S
	add(s S, atom int) S // may modify s
	empty(s S) bool
	key(s S) K
	toBitSet(s S) *bitset.BitSet
}

type bitsetOps struct{ n uint }

func (o bitsetOps) whole() *bitset.BitSet {
	b := bitset.New(o.n)
	for i := uint(0); i < o.n; i++ {
		b.Set(i)
	}
	return b
}

func (o bitsetOps) single(atom int) *bitset.BitSet {
	return bitset.New(o.n).Set(uint(atom))
}

func (bitsetOps) has(s *bitset.BitSet, atom int) bool { return s.Test(uint(atom)) }

func (bitsetOps) without(s *bitset.BitSet, atom int) *bitset.BitSet {
	return s.Clone().Clear(uint(atom))
}

func (bitsetOps) add(s *bitset.BitSet, atom int) *bitset.BitSet { return s.Set(uint(atom)) }

func (bitsetOps) empty(s *bitset.BitSet) bool { return s.None() }

// key encodes the member atoms as varints.
func (bitsetOps) key(s *bitset.BitSet) string {
	buf := make([]byte, 0, 2*s.Count())
	for i, ok := s.NextSet(0); ok; i, ok = s.NextSet(i + 1) {
		buf = binary.AppendUvarint(buf, uint64(i))
	}
	return string(buf)
}

func (bitsetOps) toBitSet(s *bitset.BitSet) *bitset.BitSet { return s }

type wordOps struct{ n uint }

func (o wordOps) whole() uint64 {
	if o.n == 64 {
		return ^uint64(0)
	}
	return 1<<o.n - 1
}

func (wordOps) single(atom int) uint64 { return 1 << uint(atom) }
func (wordOps) has(s uint64, atom int) bool { return s&(1<<uint(atom)) != 0 }
func (wordOps) without(s uint64, atom int) uint64 { return s &^ (1 << uint(atom)) }
func (wordOps) add(s uint64, atom int) uint64 { return s | 1<<uint(atom) }
func (wordOps) empty(s uint64) bool { return s == 0 }
func (wordOps) key(s uint64) uint64 { return s }

func (o wordOps) toBitSet(s uint64) *bitset.BitSet {
	b := bitset.New(o.n)
	for s != 0 {
		b.Set(uint(bits.TrailingZeros64(s)))
		s &= s - 1
	}
	return b
}

// enumerate runs the level-synchronous search shared by both enumerators.
//
// Level 0 is the whole molecule. Each of the MaxBrokenBonds levels removes
// one atom from every fragment of the previous level and keeps the connected
// pieces that touch the removed atom. Every piece ever seen is remembered so
// rejected pieces are not scored twice. MaxWaterLosses further steps remove a
// neutral loss atom from the fragments on the break-count frontier.
func enumerate[S any, K comparable](e *Engine, ops atomSetOps[S, K]) []Fragment {
	whole := ops.whole()
	sets := []S{whole}
	frags := []Fragment{newFragment(e, ops, whole, 0, 0)}
	if e.opts.SkipFragmentation {
		return frags
	}

	maxBreaks := e.opts.MaxBrokenBonds
	seen := map[K]bool{ops.key(whole): true}
	current := []S{whole}

	for step := 0; step < maxBreaks; step++ {
		var next []S
		for _, frag := range current {
			for atom := 0; atom < e.natoms; atom++ {
				if !ops.has(frag, atom) {
					continue
				}
				for _, piece := range splitAt(e, ops, ops.without(frag, atom), atom) {
					k := ops.key(piece)
					if seen[k] {
						continue
					}
					seen[k] = true

					breaks, score := scoreSet(e, ops, piece)
					if breaks <= maxBreaks && e.accept(score) {
						next = append(next, piece)
						sets = append(sets, piece)
						frags = append(frags, newFragment(e, ops, piece, score, breaks))
					}
				}
			}
		}
		current = next
	}

	admitted := make(map[K]bool, len(sets))
	for _, s := range sets {
		admitted[ops.key(s)] = true
	}

	for step := 0; step < e.opts.MaxWaterLosses; step++ {
		frontier := maxBreaks + step
		// fragments added during this step are visited too
		for i := 0; i < len(frags); i++ {
			if frags[i].Breaks != frontier {
				continue
			}
			for _, atom := range e.neutralLoss {
				if !ops.has(sets[i], atom) {
					continue
				}
				piece := ops.without(sets[i], atom)
				k := ops.key(piece)
				if admitted[k] || ops.empty(piece) {
					continue
				}
				admitted[k] = true

				breaks, score := scoreSet(e, ops, piece)
				if e.accept(score) {
					sets = append(sets, piece)
					frags = append(frags, newFragment(e, ops, piece, score, breaks))
				}
			}
		}
	}

	return frags
}

// splitAt returns the connected pieces of template that touch a neighbour of
// the removed atom. A lone touching neighbour leaves template whole.
func splitAt[S any, K comparable](e *Engine, ops atomSetOps[S, K], template S, removed int) []S {
	var touching []int
	for _, a := range e.neighbours[removed] {
		if ops.has(template, a) {
			touching = append(touching, a)
		}
	}
	if len(touching) == 1 {
		return []S{template}
	}

	var pieces []S
	for _, a := range touching {
		covered := false
		for _, p := range pieces {
			if ops.has(p, a) {
				covered = true
				break
			}
		}
		if !covered {
			pieces = append(pieces, floodFill(e, ops, template, a))
		}
	}
	return pieces
}

// floodFill collects the atoms of template reachable from start.
func floodFill[S any, K comparable](e *Engine, ops atomSetOps[S, K], template S, start int) S {
	piece := ops.single(start)
	stack := []int{start}
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, b := range e.neighbours[a] {
			if ops.has(template, b) && !ops.has(piece, b) {
				piece = ops.add(piece, b)
				stack = append(stack, b)
			}
		}
	}
	return piece
}

func scoreSet[S any, K comparable](e *Engine, ops atomSetOps[S, K], s S) (breaks, score int) {
	for _, b := range e.bonds {
		if ops.has(s, b.a1) != ops.has(s, b.a2) {
			breaks++
			score += b.weight
		}
	}
	return breaks, score
}

func newFragment[S any, K comparable](e *Engine, ops atomSetOps[S, K], s S, score, breaks int) Fragment {
	mass := 0.0
	for atom := 0; atom < e.natoms; atom++ {
		if ops.has(s, atom) {
			mass += e.atomMasses[atom]
		}
	}
	return Fragment{Atoms: ops.toBitSet(s), Score: score, Breaks: breaks, Mass: mass}
}
