// fleetwright-migrate copies every record from one storage bucket to
// another, chunk by chunk, leaving the source bucket in place for
// rollback. Grounded on cmd/warren-migrate/main.go's tasks->containers
// bucket migration, generalized from a single hardcoded bucket pair to
// any <from>/<to> pair and from a single full-bucket ForEach pass to
// offset-chunked reads (§8's migration scenario, which reads the source
// chunk by chunk at fixed offsets) so a very large bucket
// never has to be held in memory all at once.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/fleetwright/internal/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/fleetwright", "fleetwright data directory")
	chunkSize  = flag.Int("chunk-size", 500, "records copied per chunk")
	dryRun     = flag.Bool("dry-run", false, "show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "path to back up the database before migration (default: <data-dir>/fleetwright.db.backup)")
)

func main() {
	flag.Parse()
	args := flag.Args()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("fleetwright database migration tool")
	log.Println("====================================")

	if len(args) != 3 || args[0] != "database" {
		log.Fatalf("usage: fleetwright-migrate [--chunk-size N] [--data-dir DIR] database <from-bucket> <to-bucket>")
	}
	from, to := args[1], args[2]

	dbPath := filepath.Join(*dataDir, "fleetwright.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Migrating: %s -> %s (chunk size %d)", from, to, *chunkSize)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	store, err := storage.Open(*dataDir)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	migrated, total, err := migrateBucket(store, from, to, *chunkSize, *dryRun)
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Printf("dry run complete: would migrate %d/%d records. Run without --dry-run to apply.", total, total)
		return
	}
	log.Printf("migration complete: %d/%d records copied into %q", migrated, total, to)
	log.Printf("source bucket %q preserved for rollback", from)
}

// migrateBucket copies every record from the from bucket into the to
// bucket, chunkSize records at a time via storage.Store.IterateChunk.
func migrateBucket(store *storage.Store, from, to string, chunkSize int, dryRun bool) (migrated, total int, err error) {
	total, err = store.Count(from)
	if err != nil {
		return 0, 0, fmt.Errorf("count %q: %w", from, err)
	}
	if total == 0 {
		log.Printf("bucket %q is empty, nothing to migrate", from)
		return 0, 0, nil
	}
	log.Printf("found %d records in %q", total, from)

	if dryRun {
		return 0, total, nil
	}

	for offset := 0; offset < total; offset += chunkSize {
		records, err := store.IterateChunk(from, offset, chunkSize)
		if err != nil {
			return migrated, total, fmt.Errorf("read chunk at offset %d: %w", offset, err)
		}
		for id, data := range records {
			if err := store.PutRaw(to, id, data); err != nil {
				return migrated, total, fmt.Errorf("write %s/%s: %w", to, id, err)
			}
			migrated++
		}
		log.Printf("migrated %d/%d...", migrated, total)
	}
	return migrated, total, nil
}

func copyFile(src, dest string) error {
	db, err := bolt.Open(src, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(dest, 0o600)
	})
}
