// Package prefilter screens candidate molecules against the nominal masses of
// the top-level peaks before any fragmentation work is done.
package prefilter

import (
	"math"
	"sort"

	"github.com/tidwall/btree"

	"github.com/ChrisMcGann/FragKey/pkg/core"
)

// Index buckets top-level peaks by rounded m/z. It is read-only after New
// and safe for concurrent use.
type Index struct {
	buckets btree.Map[int, []*core.Peak]
	size    int
}

// New indexes the peaks of the given MS1 scans. Unless useAllPeaks is set
// only peaks that were fragmented further are indexed.
func New(roots []*core.Scan, useAllPeaks bool) *Index {
	ix := &Index{}
	for _, scan := range roots {
		for _, p := range scan.Peaks {
			if !useAllPeaks && p.Child == nil {
				continue
			}
			key := nominal(p.MZ)
			bucket, _ := ix.buckets.Get(key)
			ix.buckets.Set(key, append(bucket, p))
			ix.size++
		}
	}
	return ix
}

// Len returns the number of indexed peaks.
func (ix *Index) Len() int { return ix.size }

// Candidates returns the indexed peaks within one nominal mass unit of any
// ion of a molecule with monoisotopic mass mim, ordered by scan id and m/z.
// molCharge is 1 for molecules that already carry the ionising charge.
func (ix *Index) Candidates(mim float64, molCharge int, ions core.IonTable) []*core.Peak {
	seen := make(map[*core.Peak]bool)
	var peaks []*core.Peak

	for charge := 1; charge <= ions.MaxCharge(); charge++ {
		for _, ion := range ions.ForCharge(charge - molCharge) {
			key := nominal((mim + ion.Mass) / float64(charge))
			for _, k := range []int{key, key - 1, key + 1} {
				bucket, ok := ix.buckets.Get(k)
				if !ok {
					continue
				}
				for _, p := range bucket {
					if !seen[p] {
						seen[p] = true
						peaks = append(peaks, p)
					}
				}
			}
		}
	}

	sort.Slice(peaks, func(i, j int) bool {
		if peaks[i].ScanID != peaks[j].ScanID {
			return peaks[i].ScanID < peaks[j].ScanID
		}
		return peaks[i].MZ < peaks[j].MZ
	})
	return peaks
}

func nominal(mz float64) int {
	return int(math.Round(mz))
}
