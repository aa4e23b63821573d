package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/quietdesk/quietdesk/internal/platform/clock"
	"github.com/quietdesk/quietdesk/internal/platform/logger"
	"github.com/quietdesk/quietdesk/internal/services/importer/repo"
	importersvc "github.com/quietdesk/quietdesk/internal/services/importer/service"
	quotadomain "github.com/quietdesk/quietdesk/internal/services/quota/domain"
	quotasvc "github.com/quietdesk/quietdesk/internal/services/quota/service"
)

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	fConfig := fs.String("config", "", "path to a YAML config file (optional)")
	fBatch := fs.Int("batch", importersvc.DefaultBatchSize, "events per insert transaction")
	fMonitor := fs.String("monitor", "", "import only this monitor's journals; default all known monitors")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadStorageConfig(*fConfig)
	if err != nil {
		return err
	}

	ctx := context.Background()
	es, _, closeFn, err := openEventStore(ctx, cfg.dbPath, cfg.logSQL)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()

	l := *logger.Get()
	c := clock.NewReal()

	scanner := quotadomain.NewFSScanner(cfg.spoolDir)
	qSvc := quotasvc.New(quotadomain.Config{
		QuotaBytes: cfg.quotaBytes,
		SoftBytes:  cfg.quotaBytes * 80 / 100,
		HardBytes:  cfg.quotaBytes,
	}, scanner, c, l)

	imp, err := importersvc.New(cfg.spoolDir, repo.New(es), qSvc, l)
	if err != nil {
		return err
	}

	var out any
	if *fMonitor != "" {
		out = imp.FlushMonitor(ctx, *fMonitor, *fBatch)
	} else {
		out = imp.FlushAllMonitors(ctx, *fBatch)
	}

	enc, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(enc))
	return err
}
