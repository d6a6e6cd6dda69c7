package rules

import "fmt"

// LookupCache memoizes reference lookups within a single document execution.
// Entries are keyed by (table, match field, match value, match type) and may
// hold nil to remember a miss. The cache is discarded with the execution and
// is never shared across documents, so it needs no locking.
type LookupCache struct {
	resolved map[string]Record
	tables   map[string][]Record
}

// NewLookupCache creates an empty cache.
func NewLookupCache() *LookupCache {
	return &LookupCache{
		resolved: make(map[string]Record),
		tables:   make(map[string][]Record),
	}
}

func cacheKey(table, field, value, matchType string) string {
	return fmt.Sprintf("%s\x00%s\x00%s\x00%s", table, field, value, matchType)
}

// Get returns a memoized resolution. The second return distinguishes a
// cached miss (nil record) from an absent entry.
func (c *LookupCache) Get(table, field, value, matchType string) (Record, bool) {
	rec, ok := c.resolved[cacheKey(table, field, value, matchType)]
	return rec, ok
}

// Put memoizes a resolution; rec may be nil to cache a miss.
func (c *LookupCache) Put(table, field, value, matchType string, rec Record) {
	c.resolved[cacheKey(table, field, value, matchType)] = rec
}

// Rows returns memoized table rows.
func (c *LookupCache) Rows(table string) ([]Record, bool) {
	rows, ok := c.tables[table]
	return rows, ok
}

// PutRows memoizes table rows for the rest of the execution.
func (c *LookupCache) PutRows(table string, rows []Record) {
	c.tables[table] = rows
}
