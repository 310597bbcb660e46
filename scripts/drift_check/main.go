package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/noah-isme/sma-offline-sync/internal/models"
	"github.com/noah-isme/sma-offline-sync/internal/repository"
	"github.com/noah-isme/sma-offline-sync/pkg/config"
	"github.com/noah-isme/sma-offline-sync/pkg/database"
	"github.com/noah-isme/sma-offline-sync/pkg/remote"
)

type localStore interface {
	GetAll(ctx context.Context, entity models.EntityType, includeDeleted bool) ([]models.Record, error)
}

type remoteLister interface {
	List(ctx context.Context, entity string) ([]json.RawMessage, error)
}

// report describes how one entity type differs between device and server.
// Diverged synced records are breaking: the store claims to match the
// server but does not. Everything else is expected while changes are queued.
type report struct {
	Entity     models.EntityType
	LocalOnly  []string
	RemoteOnly []string
	Diverged   []string
	Dirty      int
	Error      error
}

func (r report) breaking() bool {
	return r.Error != nil || len(r.Diverged) > 0
}

func main() {
	var (
		only    string
		timeout time.Duration
	)
	flag.StringVar(&only, "entity", "", "Check a single entity type")
	flag.DurationVar(&timeout, "timeout", time.Minute, "Overall timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}
	defer db.Close()

	entities := cfg.Sync.Entities
	if only != "" {
		entities = []string{only}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store := repository.NewRecordRepository(db)
	client := remote.New(cfg.Remote.BaseURL,
		remote.WithTimeout(cfg.Remote.Timeout),
		remote.WithTokenSource(remote.StaticToken(cfg.Remote.Token)),
	)

	var reports []report
	breaking := 0
	for _, name := range entities {
		entity, err := models.ParseEntityType(name)
		if err != nil {
			log.Fatalf("invalid entity: %v", err)
		}
		rep := compareEntity(ctx, store, client, entity)
		if rep.breaking() {
			breaking++
		}
		reports = append(reports, rep)
	}

	printReport(reports)
	fmt.Printf("Breaking diffs: %d\n", breaking)
	if breaking > 0 {
		os.Exit(1)
	}
}

func compareEntity(ctx context.Context, store localStore, client remoteLister, entity models.EntityType) report {
	rep := report{Entity: entity}

	local, err := store.GetAll(ctx, entity, true)
	if err != nil {
		rep.Error = fmt.Errorf("read local: %w", err)
		return rep
	}
	docs, err := client.List(ctx, string(entity))
	if err != nil {
		rep.Error = fmt.Errorf("list remote: %w", err)
		return rep
	}

	server := make(map[string]json.RawMessage, len(docs))
	for _, doc := range docs {
		id := models.ExtractID(doc)
		if id == "" {
			continue
		}
		if normalized, err := models.WithID(doc, id); err == nil {
			server[id] = normalized
		}
	}

	seen := make(map[string]struct{}, len(local))
	for _, rec := range local {
		seen[rec.ID] = struct{}{}
		if rec.Status.Dirty() {
			rep.Dirty++
		}
		doc, ok := server[rec.ID]
		switch {
		case !ok:
			rep.LocalOnly = append(rep.LocalOnly, rec.ID)
		case rec.Status == models.StatusSynced && !models.PayloadEqual(rec.Payload, doc):
			rep.Diverged = append(rep.Diverged, rec.ID)
		}
	}
	for id := range server {
		if _, ok := seen[id]; !ok {
			rep.RemoteOnly = append(rep.RemoteOnly, id)
		}
	}
	sort.Strings(rep.LocalOnly)
	sort.Strings(rep.RemoteOnly)
	sort.Strings(rep.Diverged)
	return rep
}

func printReport(reports []report) {
	fmt.Printf("%-10s %-6s %-10s %-11s %-8s %s\n", "ENTITY", "DIRTY", "LOCAL-ONLY", "REMOTE-ONLY", "DIVERGED", "NOTE")
	for _, r := range reports {
		note := ""
		if r.Error != nil {
			note = r.Error.Error()
		} else if len(r.Diverged) > 0 {
			note = fmt.Sprintf("first diverged id %s", r.Diverged[0])
		}
		fmt.Printf("%-10s %-6d %-10d %-11d %-8d %s\n", r.Entity, r.Dirty, len(r.LocalOnly), len(r.RemoteOnly), len(r.Diverged), note)
	}
}
