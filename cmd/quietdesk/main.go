// Command quietdesk is the operator surface for the local event store:
// quietdesk status reports spool backlog and quota state, quietdesk
// import drains spooled journals into the event store, and quietdesk tick
// runs the hourly/daily analysis pass. Flag-parsed subcommands only — no
// CLI framework, matching the command-line surface being out of scope for
// anything beyond that.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/quietdesk/quietdesk/internal/core/eventstore"
	"github.com/quietdesk/quietdesk/internal/platform/config"
	"github.com/quietdesk/quietdesk/internal/platform/logger"
	"github.com/quietdesk/quietdesk/internal/platform/store"
)

// storageConfig resolves the dotted-key storage.* settings shared by every
// subcommand, layering an optional -config YAML file over built-in defaults.
type storageConfig struct {
	dbPath     string
	spoolDir   string
	reportsDir string
	digestsDir string
	quotaBytes int64
	logSQL     bool
}

func loadStorageConfig(configPath string) (storageConfig, error) {
	root := config.FromMap(nil)
	if configPath != "" {
		raw, err := config.LoadFile(configPath)
		if err != nil {
			return storageConfig{}, fmt.Errorf("config.LoadFile: %w", err)
		}
		root = raw
	}
	c := config.New(root).Prefix("storage")
	return storageConfig{
		dbPath:     c.MayString("sqlite_path", "./quietdesk.sqlite3"),
		spoolDir:   c.MayString("spool_dir", "./spool"),
		reportsDir: c.MayString("reports_dir", "./reports"),
		digestsDir: c.MayString("digests_dir", "./digests"),
		quotaBytes: int64(c.MayInt("spool_quota_mb", 2048)) * 1024 * 1024,
		logSQL:     c.MayBool("log_sql", false),
	}, nil
}

// openEventStore opens (and migrates) the sqlite event store at path,
// returning both the migrated eventstore.Store and the raw TxRunner the
// analysis-chain packages (tick, hourly, reconcile, advice, render) expect
// to be handed directly.
func openEventStore(ctx context.Context, path string, logSQL bool) (*eventstore.Store, store.TxRunner, func() error, error) {
	l := logger.Get()
	st, err := store.Open(ctx, store.Config{
		AppName: "quietdesk",
		SQLite: store.SQLiteConfig{
			Enabled:     true,
			Path:        path,
			BusyTimeout: 10 * time.Second,
			LogSQL:      logSQL,
		},
	}, store.WithLogger(*l))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("store.Open: %w", err)
	}
	es, err := eventstore.FromTxRunner(ctx, st.DB)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("eventstore.FromTxRunner: %w", err)
	}
	closeFn := func() error { return st.Close(ctx) }
	return es, st.DB, closeFn, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	l := logger.Get()
	var err error
	switch os.Args[1] {
	case "status":
		err = runStatus(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	case "tick":
		err = runTick(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		l.Error().Err(err).Str("subcommand", os.Args[1]).Msg("quietdesk: command failed")
		os.Exit(1)
	}
}

func usage() {
	_, _ = fmt.Fprintln(os.Stderr, "usage: quietdesk <status|import|tick> [flags]")
}
