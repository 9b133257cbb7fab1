// Package main provides fieldsync-core, the operator tool for the on-device store.
//
// Usage:
//
//	fieldsync-core [-config path] version
//	fieldsync-core [-config path] queue list|count|clear
//	fieldsync-core [-config path] cache keys|clear
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kimhsiao/fieldsync/internal/app"
	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/kv"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fieldsync-core", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cmd := fs.Args()
	if len(cmd) == 0 {
		usage(stderr)
		return 2
	}
	if cmd[0] == "version" {
		fmt.Fprintf(stdout, "fieldsync-core v%s\n", Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	// keep stdout clean for command output
	logging.SetLogger(logging.New(stderr, logging.LevelWarn, logging.FormatConsole))

	store, err := app.OpenStore(cfg.Storage)
	if err != nil {
		fmt.Fprintf(stderr, "storage: %v\n", err)
		return 1
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	ctx := context.Background()
	switch strings.Join(cmd, " ") {
	case "queue list":
		err = queueList(ctx, store, cfg, stdout)
	case "queue count":
		err = queueCount(ctx, store, cfg, stdout)
	case "queue clear":
		err = queueClear(ctx, store, cfg, stdout)
	case "cache keys":
		err = cacheKeys(ctx, store, cfg, stdout)
	case "cache clear":
		err = cacheClear(ctx, store, cfg, stdout)
	default:
		usage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd[0], err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: fieldsync-core [-config path] version | queue list|count|clear | cache keys|clear")
}

func loadQueue(ctx context.Context, store kv.Store, cfg *config.Config) (*queue.Queue, error) {
	q := queue.NewQueue(store, cfg.Storage.QueueKey)
	if err := q.Load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func queueList(ctx context.Context, store kv.Store, cfg *config.Config, w io.Writer) error {
	q, err := loadQueue(ctx, store, cfg)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(q.List())
}

func queueCount(ctx context.Context, store kv.Store, cfg *config.Config, w io.Writer) error {
	q, err := loadQueue(ctx, store, cfg)
	if err != nil {
		return err
	}
	stats := q.Stats()
	fmt.Fprintf(w, "total=%d pending=%d failed=%d\n", stats["total"], stats["pending"], stats["failed"])
	return nil
}

func queueClear(ctx context.Context, store kv.Store, cfg *config.Config, w io.Writer) error {
	q := queue.NewQueue(store, cfg.Storage.QueueKey)
	// a corrupt snapshot is exactly what clear is for
	_ = q.Load(ctx)
	n := q.Len()
	if err := q.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintf(w, "cleared %d queued actions\n", n)
	return nil
}

func cacheKeys(ctx context.Context, store kv.Store, cfg *config.Config, w io.Writer) error {
	lister, ok := store.(kv.Lister)
	if !ok {
		return fmt.Errorf("storage driver %s cannot list keys", cfg.Storage.Driver)
	}
	keys, err := lister.Keys(ctx, cfg.Storage.CachePrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(w, k)
	}
	return nil
}

func cacheClear(ctx context.Context, store kv.Store, cfg *config.Config, w io.Writer) error {
	lister, ok := store.(kv.Lister)
	if !ok {
		return fmt.Errorf("storage driver %s cannot list keys", cfg.Storage.Driver)
	}
	keys, err := lister.Keys(ctx, cfg.Storage.CachePrefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := store.Remove(ctx, k); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "removed %d cache entries\n", len(keys))
	return nil
}
