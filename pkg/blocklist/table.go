// Package blocklist holds the immutable domain table consulted for every
// query, together with the loaders that build it from files and URLs.
package blocklist

import (
	"slices"
	"strings"
)

// Table is a sorted, deduplicated set of lower-case domains. A Table is never
// modified after NewTable returns, so any number of goroutines may query it
// without synchronization.
type Table struct {
	domains []string
}

// NewTable builds a table from domains. Entries are normalized (lower-cased,
// trailing dot removed), blanks are dropped and the result is sorted in byte
// order, which is the order used by Contains.
func NewTable(domains []string) *Table {
	sorted := make([]string, 0, len(domains))
	for _, d := range domains {
		if d = normalize(d); d != "" {
			sorted = append(sorted, d)
		}
	}
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return &Table{domains: slices.Clip(sorted)}
}

// Len returns the number of distinct entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.domains)
}

// Contains reports whether domain is an exact entry.
func (t *Table) Contains(domain string) bool {
	if t == nil || len(t.domains) == 0 {
		return false
	}
	_, found := slices.BinarySearch(t.domains, domain)
	return found
}

// IsBlocked reports whether host or one of its parent domains is listed.
// host must already be lower-case.
func (t *Table) IsBlocked(host string) bool {
	_, ok := t.Match(host)
	return ok
}

// Match is IsBlocked that also returns the entry that matched.
//
// Parents are produced by dropping the leftmost label; the walk stops once
// the remaining suffix contains no dot, so a bare top-level label is never
// looked up on its own.
func (t *Table) Match(host string) (string, bool) {
	if t.Len() == 0 || host == "" {
		return "", false
	}
	if t.Contains(host) {
		return host, true
	}

	for {
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			return "", false
		}
		host = host[dot+1:]
		if strings.IndexByte(host, '.') < 0 {
			return "", false
		}
		if t.Contains(host) {
			return host, true
		}
	}
}

// Domains returns a copy of the sorted entries.
func (t *Table) Domains() []string {
	if t == nil {
		return nil
	}
	return slices.Clone(t.domains)
}

func normalize(domain string) string {
	domain = strings.TrimSpace(domain)
	domain = strings.TrimSuffix(domain, ".")
	return strings.ToLower(domain)
}
