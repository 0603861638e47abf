package fragment

// Topology is the read-only view of a candidate structure the engine works
// on. Atoms are numbered 0..NumAtoms()-1; masses include attached hydrogens.
// *molecule.Molecule implements it.
type Topology interface {
	NumAtoms() int
	NumBonds() int
	AtomSymbol(i int) string
	AtomMass(i int) float64
	AtomHydrogens(i int) int
	AtomBondCount(i int) int
	BondAtoms(i int) (int, int)
	BondOrder(i int) int

	// Formula and Identifier describe the substructure induced by an atom
	// subset.
	Formula(atoms []int) string
	Identifier(atoms []int) string
}

// typeWeights is the break cost per MDL bond type.
var typeWeights = map[int]int{
	1: 1, // single
	2: 2, // double
	3: 3, // triple
	4: 3, // aromatic
}

// bondWeight returns the cost of breaking a bond: its type weight doubled
// for carbon-carbon bonds.
func bondWeight(order int, symbol1, symbol2 string) (int, bool) {
	w, ok := typeWeights[order]
	if !ok {
		return 0, false
	}
	if symbol1 == "C" && symbol2 == "C" {
		return w * 2, true
	}
	return w, true
}

// isNeutralLossSite reports whether atom i is a terminal OH or NH2 that can
// leave as water or ammonia.
func isNeutralLossSite(topo Topology, i int) bool {
	if topo.AtomBondCount(i) != 1 {
		return false
	}
	switch topo.AtomSymbol(i) {
	case "O":
		return topo.AtomHydrogens(i) == 1
	case "N":
		return topo.AtomHydrogens(i) == 2
	}
	return false
}
