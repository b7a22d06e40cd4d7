// Package selector orders listed candidates and cuts them down to the batch
// retrieved by one poll.
package selector

import (
	"slices"
	"strings"

	"github.com/yarkm13/ftpspoll/internal/remote"
)

// Select returns at most maxFiles entries. With natural ordering the oldest
// files come first, ties broken by path; otherwise listing order is kept.
// Truncation always happens after ordering. The input slice is not modified.
func Select(entries []remote.Entry, maxFiles int, natural bool) []remote.Entry {
	out := slices.Clone(entries)
	if natural {
		slices.SortStableFunc(out, func(a, b remote.Entry) int {
			if c := a.ModTime.Compare(b.ModTime); c != 0 {
				return c
			}
			return strings.Compare(a.Path, b.Path)
		})
	}
	if maxFiles > 0 && len(out) > maxFiles {
		out = out[:maxFiles]
	}
	return out
}
