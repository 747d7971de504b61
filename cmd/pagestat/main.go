// Command pagestat opens a page store (diskstore.Open opens the file
// read-write and creates it if absent; pagestat itself writes no pages)
// and logs a usage report, one line per page, for the subtree rooted at a
// given address (SPEC_FULL.md §12 supplemented
// feature: a CLI surface generalizing the teacher's own pool-audit
// habit). Flags are parsed with spf13/pflag (spec §10 ambient stack);
// pagestat is the only place in this module that takes configuration via
// flags rather than struct fields.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nibbletree/statepage/batch"
	"github.com/nibbletree/statepage/diskstore"
	"github.com/nibbletree/statepage/pagemgr"
	"github.com/nibbletree/statepage/report"
)

func main() {
	var (
		dbPath = flag.StringP("path", "p", "", "path to the page store file")
		root   = flag.Uint32P("root", "r", 0, "root page address to report on (0 falls back to the store's in-process committed root; a freshly opened store has none)")
		dev    = flag.BoolP("dev", "d", false, "use human-readable (development) logging instead of JSON")
	)
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "pagestat: --path is required")
		os.Exit(2)
	}

	var log *zap.Logger
	var err error
	if *dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "pagestat: logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := diskstore.Open(*dbPath, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	rootAddr := pagemgr.DbAddress(*root)
	if rootAddr.IsNull() {
		rootAddr = store.Root()
	}
	if rootAddr.IsNull() {
		fmt.Fprintln(os.Stderr, "pagestat: store has no committed root and none was given via --root")
		os.Exit(1)
	}

	b := batch.New(0, store)
	if err := report.Walk(rootAddr, b, report.ZapReporter{Log: log}); err != nil {
		log.Fatal("walk", zap.Error(err))
	}
}
