// Command strata is an interactive shell over a strata database.
//
// Usage:
//
//	strata [--data DIR] [--config FILE] [--verbose]
//
// Commands inside the shell:
//
//	put <key> <value>   store a pair
//	get <key>           look a key up
//	del <key>           delete a key
//	compact             run one compaction pass
//	stats               print engine counters
//	help                this text
//	quit                flush and exit
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/strata-kv/strata/pkg/kv"
)

// fileConfig mirrors the engine configuration record for HuJSON config
// files; intervals are in milliseconds.
type fileConfig struct {
	MemTableMaxSize      *int  `json:"mem_table_max_size"`
	FlushThreshold       *int  `json:"flush_threshold"`
	CompactionThreshold  *int  `json:"compaction_threshold"`
	CompactionIntervalMs *int  `json:"compaction_interval_ms"`
	MaxCompactionFiles   *int  `json:"max_compaction_files"`
	EnableWAL            *bool `json:"enable_wal"`
	WALSyncIntervalMs    *int  `json:"wal_sync_interval_ms"`
}

func loadConfig(path string, cfg kv.Config) (kv.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(std, &fc); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}

	if fc.MemTableMaxSize != nil {
		cfg.MemTableMaxSize = *fc.MemTableMaxSize
	}
	if fc.FlushThreshold != nil {
		cfg.FlushThreshold = *fc.FlushThreshold
	}
	if fc.CompactionThreshold != nil {
		cfg.CompactionThreshold = *fc.CompactionThreshold
	}
	if fc.CompactionIntervalMs != nil {
		cfg.CompactionInterval = time.Duration(*fc.CompactionIntervalMs) * time.Millisecond
	}
	if fc.MaxCompactionFiles != nil {
		cfg.MaxCompactionFiles = *fc.MaxCompactionFiles
	}
	if fc.EnableWAL != nil {
		cfg.EnableWAL = *fc.EnableWAL
	}
	if fc.WALSyncIntervalMs != nil {
		cfg.WALSyncInterval = time.Duration(*fc.WALSyncIntervalMs) * time.Millisecond
	}
	return cfg, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dataDir    = pflag.String("data", "./strata-data", "data directory")
		configPath = pflag.String("config", "", "optional HuJSON config file")
		verbose    = pflag.Bool("verbose", false, "log engine events to stderr")
	)
	pflag.Parse()

	cfg := kv.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = loadConfig(*configPath, cfg)
		if err != nil {
			return err
		}
	}
	if *verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
		cfg.Logger = logger
	}

	db, err := kv.OpenWith(*dataDir, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Printf("strata shell, data dir %s (type 'help')\n", *dataDir)

	for {
		input, err := line.Prompt("strata> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println()
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if quit, err := dispatch(db, input); err != nil {
			fmt.Printf("error: %v\n", err)
		} else if quit {
			return nil
		}
	}
}

func dispatch(db *kv.DB, input string) (quit bool, err error) {
	fields := strings.SplitN(input, " ", 3)
	switch fields[0] {
	case "put":
		if len(fields) != 3 {
			return false, errors.New("usage: put <key> <value>")
		}
		return false, db.Put(fields[1], fields[2])
	case "get":
		if len(fields) != 2 {
			return false, errors.New("usage: get <key>")
		}
		val, found, err := db.Get(fields[1])
		if err != nil {
			return false, err
		}
		if !found {
			fmt.Println("(nil)")
		} else {
			fmt.Println(val)
		}
		return false, nil
	case "del":
		if len(fields) != 2 {
			return false, errors.New("usage: del <key>")
		}
		return false, db.Delete(fields[1])
	case "compact":
		if err := db.Compact(); err != nil {
			return false, err
		}
		fmt.Println("ok")
		return false, nil
	case "stats":
		s := db.Stats()
		fmt.Printf("active entries:  %d\n", s.ActiveEntries)
		fmt.Printf("frozen entries:  %d\n", s.FrozenEntries)
		fmt.Printf("sorted runs:     %d\n", s.Runs)
		fmt.Printf("run bytes:       %d\n", s.TotalBytes)
		fmt.Printf("run entries:     %d\n", s.TotalEntries)
		fmt.Printf("wal sequence:    %d\n", s.WALSequence)
		return false, nil
	case "help":
		fmt.Println("commands: put <k> <v> | get <k> | del <k> | compact | stats | quit")
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try 'help')", fields[0])
	}
}
