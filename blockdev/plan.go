package blockdev

// pageSpan is one page's share of a byte range: n bytes starting at
// intra-page offset off within page.
type pageSpan struct {
	page int
	off  int
	n    int
}

// planRange splits the byte range [addr, addr+size) into ordered
// per-page spans. The spans are contiguous, non-overlapping, and cover
// the range exactly; a span with off == 0 and n == pageSize is a whole
// page and needs no read-modify-write. Bounds are the caller's problem.
func planRange(addr, size int64, pageSize int) []pageSpan {
	if size <= 0 {
		return nil
	}

	ps := int64(pageSize)
	first := addr / ps
	last := (addr + size - 1) / ps

	plan := make([]pageSpan, 0, last-first+1)
	for page := first; page <= last; page++ {
		off := int64(0)
		if page == first {
			off = addr - page*ps
		}
		end := ps
		if page == last {
			end = addr + size - page*ps
		}
		plan = append(plan, pageSpan{page: int(page), off: int(off), n: int(end - off)})
	}
	return plan
}
