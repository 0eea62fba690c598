package sstable

// Metadata describes one published sorted run. It is what the catalog
// tracks; the file itself is immutable after publication.
type Metadata struct {
	ID         uint64
	Path       string
	MinKey     string
	MaxKey     string
	EntryCount int
	SizeBytes  int64
	CreatedMs  int64
}

// Contains reports whether key falls inside the run's [min, max] bounds.
func (m Metadata) Contains(key string) bool {
	return key >= m.MinKey && key <= m.MaxKey
}
