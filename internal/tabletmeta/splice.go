package tabletmeta

import "fmt"

// Splice performs an in-place compaction rowset splice: it replaces a
// contiguous run of input rowsets (identified by id) with at most one
// output rowset, moves the consumed inputs into CompactionInputs, and
// recomputes CumulativePoint. It is shared by both table kinds since the
// splice mechanics and its adjacency/cumulative-point invariants do not
// depend on whether the tablet carries a primary index.
//
// When sizeTiered is true, CumulativePoint maintenance is skipped and the
// point is simply reset to zero.
func Splice(metadata *TabletMetadata, inputIDs []int64, output *RowsetMetadata, sizeTiered bool) error {
	if len(inputIDs) == 0 {
		if output != nil && output.NumRows != 0 {
			return fmt.Errorf("compaction with empty input must not carry a non-empty output")
		}
		return nil
	}

	firstIdx := metadata.RowsetIndex(inputIDs[0])
	if firstIdx < 0 {
		return fmt.Errorf("input rowset %d not found", inputIDs[0])
	}
	for i := 1; i < len(inputIDs); i++ {
		idx := metadata.RowsetIndex(inputIDs[i])
		if idx != firstIdx+i {
			return fmt.Errorf("input rowset position not adjacent")
		}
	}

	k := len(inputIDs)
	consumed := make([]RowsetMetadata, k)
	copy(consumed, metadata.Rowsets[firstIdx:firstIdx+k])
	metadata.CompactionInputs = append(metadata.CompactionInputs, consumed...)

	oldCP := metadata.CumulativePoint
	hasOutput := output != nil && output.NumRows > 0

	if hasOutput {
		out := *output
		out.ID = metadata.NextRowsetID
		metadata.NextRowsetID += int64(out.Segments) // see open question: not max(1, segments) here
		rowsets := make([]RowsetMetadata, 0, len(metadata.Rowsets)-k+1)
		rowsets = append(rowsets, metadata.Rowsets[:firstIdx]...)
		rowsets = append(rowsets, out)
		rowsets = append(rowsets, metadata.Rowsets[firstIdx+k:]...)
		metadata.Rowsets = rowsets
	} else {
		rowsets := make([]RowsetMetadata, 0, len(metadata.Rowsets)-k)
		rowsets = append(rowsets, metadata.Rowsets[:firstIdx]...)
		rowsets = append(rowsets, metadata.Rowsets[firstIdx+k:]...)
		metadata.Rowsets = rowsets
	}

	if sizeTiered {
		metadata.CumulativePoint = 0
		return nil
	}

	var newCP int
	switch {
	case firstIdx >= oldCP:
		newCP = firstIdx
	case oldCP >= k:
		newCP = oldCP - k
	default:
		newCP = 0
	}
	if hasOutput {
		newCP++
	}
	if newCP > len(metadata.Rowsets) {
		return fmt.Errorf("cumulative point overflow: %d > %d rowsets", newCP, len(metadata.Rowsets))
	}
	metadata.CumulativePoint = newCP
	return nil
}
