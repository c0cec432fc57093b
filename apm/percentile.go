package apm

import "sort"

// pcntlCalc reconstructs percentiles, min, max, and avg across every live
// entry in the ring buffer window by walking histogram buckets in
// ascending value order and stopping once each requested target count
// has been reached, without ever materializing or sorting the underlying
// samples themselves — only the (at most numRanges*numBuckets) non-empty
// bucket representatives per entry are sorted (spec.md §4.5).
//
// It returns false if traversal had to abort for either of two reasons,
// both of which must set RECALC and retry next tick rather than publish
// a fabricated result (spec.md §4.5/§7 "partial percentile result"):
//   - a ring buffer entry was caught mid-update (totCnt>0 but min/max
//     not yet set), the v_min==sentinel early-exit path; or
//   - the non-empty buckets actually walked don't add up to totCnt — the
//     signature of a concurrent rebalance in adjust() (ranges.go)
//     clobbering bucket mass for this server in this tick. Silently
//     backfilling the unreached quantile targets with maxVal in that
//     case would report success on a computation that never actually
//     finished.
func pcntlCalc(rb *ringBuffer, quantiles []uint8, out *PStats) bool {
	type cell struct {
		val uint32
		cnt uint32
	}

	var totalCnt, totalVal, cellTotal uint64
	minVal := sentinelMinVal
	var maxVal uint32
	cells := make([]cell, 0, rb.size()*totalBuckets)

	for i := range rb.entries {
		h := &rb.entries[i].hist
		entryCnt := h.totCnt.Load()
		if entryCnt == 0 {
			continue
		}
		entryMin := h.minVal.Load()
		if entryMin == sentinelMinVal {
			return false
		}
		entryMax := h.maxVal.Load()
		if entryMin < minVal {
			minVal = entryMin
		}
		if entryMax > maxVal {
			maxVal = entryMax
		}
		totalCnt += entryCnt
		totalVal += h.totVal.Load()

		for r := 0; r < numRanges; r++ {
			order, begin, _ := h.ctl[r].load()
			for b := 0; b < numBuckets; b++ {
				c := h.cnt[r][b].Load()
				if c == 0 {
					continue
				}
				cells = append(cells, cell{val: valueOf(begin, order, b), cnt: c})
				cellTotal += uint64(c)
			}
		}
	}

	ith := buildIth(quantiles)
	val := make([]uint32, len(ith))

	if totalCnt == 0 {
		out.Ith, out.Val = ith, val
		return true
	}
	if cellTotal < totalCnt {
		return false
	}

	val[idxMin] = minVal
	val[idxMax] = maxVal
	val[idxAvg] = uint32(totalVal / totalCnt)

	sort.Slice(cells, func(i, j int) bool { return cells[i].val < cells[j].val })

	targets := make([]uint64, len(quantiles))
	for i, q := range quantiles {
		// Integer truncation is intentional (spec.md §4.5, §9 open
		// question): a target that truncates to 0 resolves to the
		// value 0 immediately rather than consuming the first bucket.
		targets[i] = totalCnt * uint64(q) / 100
	}

	qi := 0
	for qi < len(quantiles) && targets[qi] == 0 {
		val[idxQuantileBase+qi] = 0
		qi++
	}

	var running uint64
	for _, c := range cells {
		if qi >= len(quantiles) {
			break
		}
		running += uint64(c.cnt)
		for qi < len(quantiles) && running >= targets[qi] {
			val[idxQuantileBase+qi] = c.val
			qi++
		}
	}
	for ; qi < len(quantiles); qi++ {
		val[idxQuantileBase+qi] = maxVal
	}

	out.Ith, out.Val = ith, val
	return true
}
