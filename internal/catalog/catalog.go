// Package catalog tracks the set of live sorted runs: file naming and id
// assignment, the startup directory scan, the shared reader cache, read
// precedence and size-tiered compaction selection.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/strata-kv/strata/internal/record"
	"github.com/strata-kv/strata/internal/sstable"
)

// Size-tier bands for compaction grouping.
const (
	tier0Max = 64 << 20   // 64 MiB
	tier1Max = 256 << 20  // 256 MiB
	tier2Max = 1 << 30    // 1 GiB
	NumTiers = 4
)

var runFileRe = regexp.MustCompile(`^run_(\d{6,})\.dat$`)

// Catalog owns the live run list (newest first, the read-search order),
// the monotonically increasing file-id counter and the reader cache.
// Every file it lists exists on disk and was fully written; removing a
// run closes its cached reader and deletes the file.
//
// Publish/retire/scan take the writer lock; get, grouping and selection
// take the reader share.
type Catalog struct {
	mu      sync.RWMutex
	dir     string
	runs    []sstable.Metadata // sorted newest first
	readers map[string]*sstable.Reader
	nextID  uint64
	logger  *zap.Logger
}

// Open creates dir if needed and scans it for existing runs.
func Open(dir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	c := &Catalog{
		dir:     dir,
		readers: make(map[string]*sstable.Reader),
		nextID:  1,
		logger:  logger,
	}
	if err := c.scan(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// scan enumerates run files, loads their footers into metadata and
// advances the id counter past the maximum observed. Stray .tmp leftovers
// from interrupted writers are removed; a run whose footer cannot be read
// is logged and skipped, never deleted.
func (c *Catalog) scan() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() {
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			os.Remove(filepath.Join(c.dir, name))
			continue
		}

		m := runFileRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}

		path := filepath.Join(c.dir, name)
		r, err := sstable.NewReader(path, id)
		if err != nil {
			c.logger.Warn("skipping unreadable run file",
				zap.String("path", path), zap.Error(err))
			continue
		}

		c.readers[path] = r
		c.runs = append(c.runs, r.Metadata())
		if id >= c.nextID {
			c.nextID = id + 1
		}
	}

	c.sortLocked()
	return nil
}

// newerThan orders runs by creation time, file id breaking ties (a higher
// id was created later).
func newerThan(a, b sstable.Metadata) bool {
	if a.CreatedMs != b.CreatedMs {
		return a.CreatedMs > b.CreatedMs
	}
	return a.ID > b.ID
}

func (c *Catalog) sortLocked() {
	sort.SliceStable(c.runs, func(i, j int) bool {
		return newerThan(c.runs[i], c.runs[j])
	})
}

// NewPath reserves the next file id and returns the path it maps to.
func (c *Catalog) NewPath() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	return filepath.Join(c.dir, fmt.Sprintf("run_%06d.dat", id)), id
}

// Publish opens a reader for the freshly written run and inserts it into
// the live list.
func (c *Catalog) Publish(meta sstable.Metadata) error {
	r, err := sstable.NewReader(meta.Path, meta.ID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.readers[meta.Path] = r
	c.runs = append(c.runs, r.Metadata())
	c.sortLocked()
	return nil
}

// Retire removes the run from the live list, closes its cached reader and
// deletes the file.
func (c *Catalog) Retire(meta sstable.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retireLocked(meta)
}

func (c *Catalog) retireLocked(meta sstable.Metadata) error {
	for i, m := range c.runs {
		if m.Path == meta.Path {
			c.runs = append(c.runs[:i], c.runs[i+1:]...)
			break
		}
	}

	if r, ok := c.readers[meta.Path]; ok {
		delete(c.readers, meta.Path)
		if err := r.Close(); err != nil {
			return err
		}
	}
	if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Replace publishes the compaction output (if any) and retires the merged
// inputs inside one writer section, so readers never observe a state with
// the inputs gone but the output missing.
func (c *Catalog) Replace(output *sstable.Metadata, retired []sstable.Metadata) error {
	var r *sstable.Reader
	if output != nil {
		var err error
		r, err = sstable.NewReader(output.Path, output.ID)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r != nil {
		c.readers[output.Path] = r
		c.runs = append(c.runs, r.Metadata())
		c.sortLocked()
	}

	var firstErr error
	for _, m := range retired {
		if err := c.retireLocked(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get scans runs newest-first and returns the first record found for key.
// The ordering makes that the newest persisted version; the caller
// interprets the tombstone flag.
func (c *Catalog) Get(key string) (record.Record, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.runs {
		if !m.Contains(key) {
			continue
		}
		r, ok := c.readers[m.Path]
		if !ok {
			continue
		}
		rec, found, err := r.Get(key)
		if err != nil {
			return record.Record{}, false, err
		}
		if found {
			return rec, true, nil
		}
	}
	return record.Record{}, false, nil
}

// Tier maps a run's file size to its size tier.
func Tier(sizeBytes int64) int {
	switch {
	case sizeBytes <= tier0Max:
		return 0
	case sizeBytes <= tier1Max:
		return 1
	case sizeBytes <= tier2Max:
		return 2
	default:
		return 3
	}
}

// GroupByTier assigns each live run to its size tier.
func (c *Catalog) GroupByTier() map[int][]sstable.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make(map[int][]sstable.Metadata)
	for _, m := range c.runs {
		t := Tier(m.SizeBytes)
		groups[t] = append(groups[t], m)
	}
	return groups
}

// SelectForCompaction picks the most populated tier and, if it holds at
// least two runs, returns its oldest min(maxFiles, population) runs in
// creation order (oldest first). Ties between tiers go to the smaller
// tier.
func (c *Catalog) SelectForCompaction(maxFiles int) []sstable.Metadata {
	groups := c.GroupByTier()

	best := -1
	for t := 0; t < NumTiers; t++ {
		if len(groups[t]) == 0 {
			continue
		}
		if best == -1 || len(groups[t]) > len(groups[best]) {
			best = t
		}
	}
	if best == -1 || len(groups[best]) < 2 {
		return nil
	}

	runs := append([]sstable.Metadata(nil), groups[best]...)
	sort.SliceStable(runs, func(i, j int) bool {
		return newerThan(runs[j], runs[i]) // oldest first
	})
	if maxFiles > 0 && len(runs) > maxFiles {
		runs = runs[:maxFiles]
	}
	return runs
}

// IsOldestSet reports whether no live run outside candidates is older
// than the oldest candidate. Only then may a merge drop tombstones.
func (c *Catalog) IsOldestSet(candidates []sstable.Metadata) bool {
	if len(candidates) == 0 {
		return false
	}

	selected := make(map[string]bool, len(candidates))
	oldest := candidates[0]
	for _, m := range candidates {
		selected[m.Path] = true
		if newerThan(oldest, m) {
			oldest = m
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.runs {
		if selected[m.Path] {
			continue
		}
		if newerThan(oldest, m) {
			return false
		}
	}
	return true
}

// Readers returns the cached readers for metas, newest-first, for the
// merge path. Missing entries are skipped.
func (c *Catalog) Readers(metas []sstable.Metadata) []*sstable.Reader {
	ordered := append([]sstable.Metadata(nil), metas...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return newerThan(ordered[i], ordered[j])
	})

	c.mu.RLock()
	defer c.mu.RUnlock()

	readers := make([]*sstable.Reader, 0, len(ordered))
	for _, m := range ordered {
		if r, ok := c.readers[m.Path]; ok {
			readers = append(readers, r)
		}
	}
	return readers
}

// Runs returns a copy of the live list, newest first.
func (c *Catalog) Runs() []sstable.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]sstable.Metadata(nil), c.runs...)
}

func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.runs)
}

func (c *Catalog) TotalBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total int64
	for _, m := range c.runs {
		total += m.SizeBytes
	}
	return total
}

func (c *Catalog) TotalEntries() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total int64
	for _, m := range c.runs {
		total += int64(m.EntryCount)
	}
	return total
}

// MaxCreatedMs returns the newest creation timestamp among live runs, or
// zero when empty. Used to seed the engine clock after restart.
func (c *Catalog) MaxCreatedMs() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var max int64
	for _, m := range c.runs {
		if m.CreatedMs > max {
			max = m.CreatedMs
		}
	}
	return max
}

// Close closes every cached reader. Files stay on disk.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for path, r := range c.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.readers, path)
	}
	return firstErr
}
