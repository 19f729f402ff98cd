package keydom

// ShortestSeparator builds the key promoted to a parent page when a leaf
// splits between a page ending with low and one beginning with high. The
// result p satisfies low < p <= high under the domain order, so probes
// equal to p route to the right page.
//
// For single-column character and binary domains p is the shortest prefix
// of high that still exceeds low, which keeps non-leaf pages compact for
// long keys. All other domains, and reverse domains, copy high in full.
func (d Domain) ShortestSeparator(low, high []byte) []byte {
	if !d.StringFamily() || len(low) == 0 {
		return append([]byte(nil), high...)
	}

	cut := commonPrefixLen(low, high) + 1
	if cut > len(high) {
		cut = len(high)
	}
	return append([]byte(nil), high[:cut]...)
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
