package util

import "sort"

// SameStrings reports whether a and b hold the same elements. With
// ignoreOrder the slices are compared as multisets, which is what
// config diffing wants: a trigger list reordered in the file is still
// the same set.
func SameStrings(a, b []string, ignoreOrder bool) bool {
	if len(a) != len(b) {
		return false
	}

	if ignoreOrder {
		aCopy := append([]string(nil), a...)
		bCopy := append([]string(nil), b...)
		sort.Strings(aCopy)
		sort.Strings(bCopy)
		a, b = aCopy, bCopy
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
