// Command auditor runs one ledger audit against Postgres and exits non-zero when it finds an imbalance
// or balance drift. Intended for cron jobs and deploy gates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pbcex/settlement/internal/asset"
	"github.com/pbcex/settlement/internal/audit"
	"github.com/pbcex/settlement/internal/config"
	"github.com/pbcex/settlement/internal/events"
	"github.com/pbcex/settlement/internal/infra"
	"github.com/pbcex/settlement/internal/ledger"
	"github.com/pbcex/settlement/internal/logging"
)

const (
	exitFindings = 2
	exitFailure  = 1
)

func main() {
	timeout := flag.Duration("timeout", time.Minute, "maximum time for the audit")
	publish := flag.Bool("publish", false, "publish findings to Kafka")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(exitFailure)
	}
	os.Exit(run(cfg, *timeout, *publish))
}

func run(cfg config.Config, timeout time.Duration, publish bool) int {
	logger := logging.New(cfg.LogLevel, cfg.AppName+"-auditor", cfg.AppEnv)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		return exitFailure
	}
	defer db.Close()

	var opts []audit.Option
	if publish && len(cfg.KafkaBrokers) > 0 {
		writer, err := infra.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Error("kafka writer", "error", err)
			return exitFailure
		}
		publisher := events.NewKafkaPublisher(writer)
		defer publisher.Close()
		opts = append(opts, audit.WithPublisher(publisher))
	}

	ledgerSvc := ledger.NewService(ledger.NewPostgresStore(db, logger), asset.DefaultRegistry(), logger)
	report, err := audit.NewAuditor(ledgerSvc, logger, opts...).Run(ctx)
	if err != nil {
		logger.Error("audit failed", "error", err)
		return exitFailure
	}
	if findings := report.Err(); findings != nil {
		logger.Error("audit findings",
			"error", findings,
			"imbalance", errors.Is(findings, audit.ErrLedgerImbalance),
			"drift", errors.Is(findings, audit.ErrDriftDetected))
		return exitFindings
	}
	return 0
}
