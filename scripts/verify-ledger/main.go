// Command verify-ledger recomputes every audit chain in a store offline and
// reports the first break in each damaged chain.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/verify-ledger
//	KANSA_STORE=sqlite KANSA_SQLITE_PATH=kansa.db go run ./scripts/verify-ledger
//
// Entries are read in global sequence order, a page at a time, and grouped
// by window. Chains are checked with the same rules the server's verify
// endpoint uses. The exit status is 1 if any chain is broken.
//
// Read-only and safe to run against a live store.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/kansa/internal/integrity"
	"github.com/ashita-ai/kansa/internal/ledger"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/storage"
	"github.com/ashita-ai/kansa/internal/storage/sqlite"
)

const pageSize = 1000

func main() {
	broken, err := run()
	if err != nil {
		log.Fatal(err)
	}
	if broken > 0 {
		os.Exit(1)
	}
}

func run() (int, error) {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	store, closeFn, err := openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	chains := make(map[uuid.UUID][]model.AuditEntry)
	var after int64
	total := 0
	for {
		page, err := store.ListAuditEntriesSince(ctx, after, pageSize)
		if err != nil {
			return 0, fmt.Errorf("read entries after %d: %w", after, err)
		}
		for _, e := range page {
			chains[e.WindowID] = append(chains[e.WindowID], e)
		}
		total += len(page)
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].GlobalSeq
	}

	broken := 0
	for id, entries := range chains {
		if b := integrity.VerifyChain(entries); b != nil {
			broken++
			fmt.Printf("BROKEN window=%s window_seq=%d reason=%q\n", id, b.WindowSeq, b.Reason)
		}
	}
	fmt.Printf("verified %d entries in %d chains, %d broken\n", total, len(chains), broken)
	return broken, nil
}

func openStore(ctx context.Context) (ledger.Store, func(), error) {
	if os.Getenv("KANSA_STORE") == "sqlite" {
		path := os.Getenv("KANSA_SQLITE_PATH")
		if path == "" {
			return nil, nil, fmt.Errorf("KANSA_SQLITE_PATH is required")
		}
		s, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := storage.New(ctx, dbURL, "", slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	return db, func() { db.Close(context.Background()) }, nil
}
