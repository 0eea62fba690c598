package lsm

import (
	"time"

	"go.uber.org/zap"
)

// Config is the plain configuration record the engine is constructed
// with. Parsing and builder conveniences live with the callers.
type Config struct {
	// MemTableMaxSize is an advisory entry cap for the active table.
	// Reserved; FlushThreshold is the operative bound.
	MemTableMaxSize int

	// FlushThreshold is the entry count at which the active table is
	// frozen and scheduled for flush.
	FlushThreshold int

	// CompactionThreshold is the minimum number of runs before the
	// periodic compactor does any work.
	CompactionThreshold int

	// CompactionInterval is the period of the background tick.
	CompactionInterval time.Duration

	// MaxCompactionFiles bounds the runs merged per compaction pass.
	MaxCompactionFiles int

	// EnableWAL turns the write-ahead log on. Without it there is no
	// crash recovery.
	EnableWAL bool

	// WALSyncInterval is the upper bound on time between fsyncs;
	// zero forces an fsync on every append.
	WALSyncInterval time.Duration

	// Logger receives engine, flush and compaction events. Nil means
	// no logging.
	Logger *zap.Logger
}

// DefaultConfig returns the defaults the demo and shell run with.
func DefaultConfig() Config {
	return Config{
		MemTableMaxSize:     1 << 20,
		FlushThreshold:      1024,
		CompactionThreshold: 4,
		CompactionInterval:  10 * time.Second,
		MaxCompactionFiles:  4,
		EnableWAL:           true,
		WALSyncInterval:     time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = d.FlushThreshold
	}
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = d.CompactionThreshold
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = d.CompactionInterval
	}
	if c.MaxCompactionFiles <= 0 {
		c.MaxCompactionFiles = d.MaxCompactionFiles
	}
	if c.WALSyncInterval < 0 {
		c.WALSyncInterval = d.WALSyncInterval
	}
	return c
}
