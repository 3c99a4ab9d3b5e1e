package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dynamix/internal/config"
	"dynamix/internal/ledger"
	"dynamix/internal/storage"
	logx "dynamix/pkg/logx"
)

// runExempt manages the exemption set from the command line while the
// daemon is stopped:
//
//	dynamix exempt list <library>
//	dynamix exempt add <library> <collection-id> [reason...]
//	dynamix exempt remove <library> <collection-id>
//
// Exemptions are permanent user intent: they survive ledger resets and are
// never selected.
func runExempt(cfgPath string, args []string) int {
	if len(args) < 2 {
		fmt.Println("usage: dynamix exempt list|add|remove <library> [collection-id] [reason...]")
		return 2
	}

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Println("error:", err)
		return 1
	}
	if cfg.Storage == nil {
		fmt.Println("error: storage is not configured; exemptions would not persist")
		return 1
	}

	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, logx.Nop())
	if err != nil {
		fmt.Println("error:", err)
		return 1
	}
	if store == nil {
		fmt.Println("error: storage driver is disabled; exemptions would not persist")
		return 1
	}
	defer store.Close()

	ex := ledger.NewExemptions(store, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	op, library := args[0], args[1]
	switch op {
	case "list":
		recs := ex.List(ctx, library)
		if len(recs) == 0 {
			fmt.Printf("no exemptions for %q\n", library)
			return 0
		}
		for _, r := range recs {
			line := r.Collection
			if r.Reason != "" {
				line += "\t" + r.Reason
			}
			fmt.Println(line)
		}
		return 0
	case "add":
		if len(args) < 3 {
			fmt.Println("usage: dynamix exempt add <library> <collection-id> [reason...]")
			return 2
		}
		reason := strings.Join(args[3:], " ")
		if err := ex.Add(ctx, library, args[2], reason); err != nil {
			fmt.Println("error:", err)
			return 1
		}
		fmt.Printf("exempted %s in %q\n", args[2], library)
		return 0
	case "remove":
		if len(args) < 3 {
			fmt.Println("usage: dynamix exempt remove <library> <collection-id>")
			return 2
		}
		if err := ex.Remove(ctx, library, args[2]); err != nil {
			fmt.Println("error:", err)
			return 1
		}
		fmt.Printf("removed exemption for %s in %q\n", args[2], library)
		return 0
	default:
		fmt.Println("unknown exempt command:", op)
		return 2
	}
}
