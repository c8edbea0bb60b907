// Package fileid assigns a stable identity to an open file, used to key
// caches so that independent handles on the same backing file share
// cached state.
package fileid

// nonzero keeps 0 free as the "no identity" sentinel.
func nonzero(h uint64) uint64 {
	if h == 0 {
		return 1
	}
	return h
}
