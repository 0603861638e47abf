// Package masstree reads hand-written spectral trees in mass tree notation:
//
//	mz: intensity (child, child, ...), mz: intensity, ...
//
// In formula tree notation the m/z is replaced by the elemental formula of
// the ion.
package masstree

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/ChrisMcGann/FragKey/pkg/core"
)

// Notation selects how the first field of a peak is read.
type Notation int

const (
	MassTree            Notation = 0
	FormulaTreePositive Notation = 1
	FormulaTreeNegative Notation = -1
)

// ParseNotation maps the format names used on the command line.
func ParseNotation(name string) (Notation, error) {
	switch name {
	case "mass_tree", "":
		return MassTree, nil
	case "form_tree_pos":
		return FormulaTreePositive, nil
	case "form_tree_neg":
		return FormulaTreeNegative, nil
	}
	return 0, fmt.Errorf("unknown tree format %q", name)
}

// SyntaxError reports a malformed tree.
type SyntaxError struct {
	Token   int // index of the offending token
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("mass tree token %d: %s", e.Token, e.Message)
}

// Read parses a whole tree from r. The returned root is an MS1 scan with ID
// 1; child scans are numbered depth-first from 2. Missing fragment penalties
// are assigned with the default penalty.
func Read(r io.Reader, notation Notation) (*core.Scan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read mass tree: %w", err)
	}
	return Parse(string(data), notation)
}

// Parse parses a tree from a string. Whitespace is insignificant.
func Parse(tree string, notation Notation) (*core.Scan, error) {
	p := &parser{tokens: tokenize(tree), notation: notation, nextID: 1}

	root, err := p.scan(1, nil, 0)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, &SyntaxError{Token: p.pos, Message: "unbalanced ')'"}
	}
	if len(root.Peaks) == 0 {
		return nil, &SyntaxError{Token: 0, Message: "tree has no peaks"}
	}

	core.AssignMissingPenalties(root, core.DefaultMissingFragmentPenalty)
	return root, nil
}

// tokenize drops all whitespace and splits on the delimiters ",()"
func tokenize(s string) []string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	compact := b.String()

	var tokens []string
	start := 0
	for i := 0; i < len(compact); i++ {
		switch compact[i] {
		case ',', '(', ')':
			if i > start {
				tokens = append(tokens, compact[start:i])
			}
			tokens = append(tokens, compact[i:i+1])
			start = i + 1
		}
	}
	if start < len(compact) {
		tokens = append(tokens, compact[start:])
	}
	return tokens
}

type parser struct {
	tokens   []string
	pos      int
	notation Notation
	nextID   int
}

// scan reads peaks up to the closing ')' of the current level and consumes it
func (p *parser) scan(level int, precursor *core.Peak, precursorScan int) (*core.Scan, error) {
	s := &core.Scan{
		ID:              p.nextID,
		Level:           level,
		PrecursorScanID: precursorScan,
	}
	if precursor != nil {
		s.PrecursorMZ = precursor.MZ
		s.PrecursorIntensity = precursor.Intensity
	}

	var last *core.Peak
	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		switch tok {
		case ")":
			if level > 1 {
				p.pos++
			}
			return s, nil
		case ",":
			p.pos++
		case "(":
			if last == nil || last.Child != nil {
				return nil, &SyntaxError{Token: p.pos, Message: "'(' without a preceding peak"}
			}
			p.pos++
			p.nextID++
			child, err := p.scan(level+1, last, s.ID)
			if err != nil {
				return nil, err
			}
			if len(child.Peaks) > 0 {
				last.Child = child
			}
		default:
			peak, err := p.peak(tok)
			if err != nil {
				return nil, err
			}
			peak.ScanID = s.ID
			s.Peaks = append(s.Peaks, peak)
			last = peak
			p.pos++
		}
	}

	if level > 1 {
		return nil, &SyntaxError{Token: p.pos, Message: "missing ')'"}
	}
	return s, nil
}

func (p *parser) peak(tok string) (*core.Peak, error) {
	field, value, ok := strings.Cut(tok, ":")
	if !ok {
		return nil, &SyntaxError{Token: p.pos, Message: fmt.Sprintf("expected 'mz: intensity', got %q", tok)}
	}

	intensity, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, &SyntaxError{Token: p.pos, Message: fmt.Sprintf("invalid intensity %q", value)}
	}

	var mz float64
	if p.notation == MassTree {
		mz, err = strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, &SyntaxError{Token: p.pos, Message: fmt.Sprintf("invalid m/z %q", field)}
		}
	} else {
		mass, err := core.MassFromFormula(field)
		if err != nil {
			return nil, &SyntaxError{Token: p.pos, Message: err.Error()}
		}
		mz = mass - float64(p.notation)*core.ElectronMass
	}

	return &core.Peak{MZ: mz, Intensity: intensity}, nil
}
