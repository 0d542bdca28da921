package facematch

import "slices"

// FilterOptions mirror the detection settings in config.DetectionConfig.
type FilterOptions struct {
	MinFaceSize   int
	SizeFiltering bool
	MaxFaces      int     // 0 means unlimited
	OverlapIoU    float64 // 0 disables overlap de-duplication
}

// Candidate is one raw detector hit.
type Candidate struct {
	BBox  []float64 // [x1, y1, x2, y2] in pixels
	Score float64
}

// Rejection explains why a candidate was dropped.
type Rejection struct {
	Index  int
	Reason string
}

const (
	RejectTooSmall = "too_small"
	RejectOverlap  = "overlap"
	RejectLimit    = "limit"
	RejectInvalid  = "invalid_bbox"
)

// Filter returns the indexes of the candidates to keep, in detection order,
// plus the reasons for every dropped one.
//
// Candidates are visited in detection order. A candidate overlapping an already
// kept one by more than OverlapIoU is dropped unless it scores higher, in which
// case it replaces the kept one. Once MaxFaces candidates are kept the rest are
// dropped.
func Filter(cands []Candidate, opts FilterOptions) ([]int, []Rejection) {
	var kept []int
	var rejected []Rejection

	for i, c := range cands {
		if len(c.BBox) != 4 || c.BBox[2] <= c.BBox[0] || c.BBox[3] <= c.BBox[1] {
			rejected = append(rejected, Rejection{Index: i, Reason: RejectInvalid})
			continue
		}
		if opts.SizeFiltering {
			w, h := BBoxSize(c.BBox)
			if w < opts.MinFaceSize || h < opts.MinFaceSize {
				rejected = append(rejected, Rejection{Index: i, Reason: RejectTooSmall})
				continue
			}
		}

		if opts.OverlapIoU > 0 {
			dup := -1
			for k, j := range kept {
				if ComputeIoU(c.BBox, cands[j].BBox) > opts.OverlapIoU {
					dup = k
					break
				}
			}
			if dup >= 0 {
				if c.Score > cands[kept[dup]].Score {
					rejected = append(rejected, Rejection{Index: kept[dup], Reason: RejectOverlap})
					kept[dup] = i
				} else {
					rejected = append(rejected, Rejection{Index: i, Reason: RejectOverlap})
				}
				continue
			}
		}

		if opts.MaxFaces > 0 && len(kept) >= opts.MaxFaces {
			rejected = append(rejected, Rejection{Index: i, Reason: RejectLimit})
			continue
		}
		kept = append(kept, i)
	}

	// A replacement can move a later index into an earlier slot.
	slices.Sort(kept)
	return kept, rejected
}
