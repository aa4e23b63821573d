package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/quietdesk/quietdesk/internal/platform/clock"
	"github.com/quietdesk/quietdesk/internal/platform/logger"
	quotadomain "github.com/quietdesk/quietdesk/internal/services/quota/domain"
	quotasvc "github.com/quietdesk/quietdesk/internal/services/quota/service"
	spooldomain "github.com/quietdesk/quietdesk/internal/services/spool/domain"
	spoolsvc "github.com/quietdesk/quietdesk/internal/services/spool/service"
)

// statusReport is the single JSON line quietdesk status prints: spool
// backlog per monitor, quota usage/state, event-store table counts.
type statusReport struct {
	Spool map[string]int    `json:"spool_pending_files"`
	Quota quotadomain.Usage `json:"quota"`
	Store map[string]int64  `json:"store_table_counts"`
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fConfig := fs.String("config", "", "path to a YAML config file (optional)")
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

	counts, err := es.TableCounts(ctx)
	if err != nil {
		return err
	}

	l := *logger.Get()
	c := clock.NewReal()

	sp := spoolsvc.New(spooldomain.Config{SpoolDir: cfg.spoolDir}, nil, c, l)
	pending, err := sp.Status()
	if err != nil {
		return err
	}

	scanner := quotadomain.NewFSScanner(cfg.spoolDir)
	qSvc := quotasvc.New(quotadomain.Config{
		QuotaBytes: cfg.quotaBytes,
		SoftBytes:  cfg.quotaBytes * 80 / 100,
		HardBytes:  cfg.quotaBytes,
	}, scanner, c, l)
	usage, err := qSvc.Usage()
	if err != nil {
		return err
	}

	report := statusReport{Spool: pending, Quota: usage, Store: counts}
	enc, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(enc))
	return err
}
