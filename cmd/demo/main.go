// Command demo walks through the engine's lifecycle: writes, reads,
// deletes, a forced compaction and a reopen that exercises recovery.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/strata-kv/strata/pkg/kv"
)

func main() {
	tmpDir := filepath.Join(os.TempDir(), "strata-demo")
	defer os.RemoveAll(tmpDir)

	fmt.Println("=== strata demo ===")
	fmt.Printf("Data directory: %s\n\n", tmpDir)

	cfg := kv.DefaultConfig()
	cfg.FlushThreshold = 3
	cfg.CompactionThreshold = 2
	cfg.CompactionInterval = time.Hour // compaction by explicit trigger only

	fmt.Println("1. Opening DB...")
	db, err := kv.OpenWith(tmpDir, cfg)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}

	fmt.Println("2. Putting data...")
	users := map[string]string{
		"user:1001": "Alice",
		"user:1002": "Bob",
		"user:1003": "Charlie",
		"user:1004": "David",
		"user:1005": "Eve",
	}
	for k, v := range users {
		if err := db.Put(k, v); err != nil {
			log.Fatalf("Failed to put %s: %v", k, err)
		}
		fmt.Printf("  Put: %s = %s\n", k, v)
	}

	fmt.Println("\n3. Getting data...")
	for k, want := range users {
		val, found, err := db.Get(k)
		if err != nil {
			log.Fatalf("Failed to get %s: %v", k, err)
		}
		if !found || val != want {
			log.Fatalf("Key %s: expected %q, got %q (found=%v)", k, want, val, found)
		}
		fmt.Printf("  Get: %s = %s\n", k, val)
	}

	fmt.Println("\n4. Deleting user:1003...")
	if err := db.Delete("user:1003"); err != nil {
		log.Fatalf("Failed to delete: %v", err)
	}
	if _, found, _ := db.Get("user:1003"); found {
		log.Fatal("Deleted key should not be found!")
	}
	fmt.Println("  Get user:1003: not found")

	fmt.Println("\n5. Compacting...")
	if err := db.Compact(); err != nil {
		log.Printf("  compact: %v", err)
	}
	s := db.Stats()
	fmt.Printf("  Runs: %d, entries on disk: %d\n", s.Runs, s.TotalEntries)

	fmt.Println("\n6. Reopening (recovery)...")
	if err := db.Close(); err != nil {
		log.Fatalf("Failed to close: %v", err)
	}
	db, err = kv.OpenWith(tmpDir, cfg)
	if err != nil {
		log.Fatalf("Failed to reopen: %v", err)
	}
	defer db.Close()

	val, found, err := db.Get("user:1001")
	if err != nil || !found || val != "Alice" {
		log.Fatalf("After reopen, user:1001 = %q (found=%v, err=%v)", val, found, err)
	}
	if _, found, _ = db.Get("user:1003"); found {
		log.Fatal("Delete should survive reopen!")
	}
	fmt.Println("  user:1001 = Alice, user:1003 still gone")

	fmt.Println("\n=== demo complete ===")
}
