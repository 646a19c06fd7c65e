// Command maintenance checks the lending database for drift and applies the
// repairs an operator asks for.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"lendingdesk/internal/calendar"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/circulation"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/config"
	"lendingdesk/internal/database"
	"lendingdesk/internal/eventlog"
	"lendingdesk/internal/logging"
	"lendingdesk/internal/maintenance"
	"lendingdesk/internal/membership"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type options struct {
	expire     string
	dedupe     bool
	experiment bool
	itemID     string
	holderID   string
	attempts   int
}

func main() {
	var opts options
	flag.StringVar(&opts.expire, "expire", "", "expire memberships that lapsed before this date (YYYY-MM-DD, or \"today\")")
	flag.BoolVar(&opts.dedupe, "dedupe", false, "remove duplicate-serial items that have no transactions")
	flag.BoolVar(&opts.experiment, "experiment", false, "race concurrent issues of -item to -holder, then return the winning loan (the item keeps that returned transaction in its history)")
	flag.StringVar(&opts.itemID, "item", "", "item id for -experiment")
	flag.StringVar(&opts.holderID, "holder", "", "holder id for -experiment")
	flag.IntVar(&opts.attempts, "attempts", 10, "parallel issue attempts for -experiment")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	healthy, err := run(cfg, opts, logger)
	if err != nil {
		logger.WithError(err).Fatal("maintenance failed")
	}
	if !healthy {
		os.Exit(1)
	}
}

func run(cfg config.Config, opts options, logger *logrus.Logger) (bool, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{URL: cfg.DatabaseURL, MaxOpenConns: cfg.MaxOpenConns, MaxIdleConns: cfg.MaxIdleConns})
	if err != nil {
		return false, err
	}
	defer db.Close()

	clk := clock.NewSystem()
	events := eventlog.New(db, clk)
	items := catalog.NewService(db, events, clk, logger)
	members := membership.NewService(db, events, clk, logger)
	engine := circulation.NewService(circulation.Deps{
		Ledger:      circulation.NewLedger(db),
		Catalog:     items,
		Memberships: members,
		Tx:          database.NewTransactor(db),
		Events:      events,
		Clock:       clk,
		Logger:      logger,
	})

	runner := maintenance.NewRunner(db, clk, logger)
	runner.Register(runner.DefaultChecks()...)

	if opts.expire != "" {
		asOf := calendar.Day(clk.Now())
		if opts.expire != "today" {
			if asOf, err = calendar.Parse(opts.expire); err != nil {
				return false, fmt.Errorf("parse -expire: %w", err)
			}
		}
		ids, err := runner.ExpireLapsedMemberships(ctx, members, asOf)
		if err != nil {
			return false, err
		}
		if err := printJSON(map[string]any{"expired": ids}); err != nil {
			return false, err
		}
	}

	if opts.dedupe {
		removed, skipped, err := runner.RemoveDuplicates(ctx, engine)
		if err != nil {
			return false, err
		}
		if err := printJSON(map[string]any{"removed": removed, "skipped": skipped}); err != nil {
			return false, err
		}
	}

	if opts.experiment {
		req, err := experimentRequest(opts, clk)
		if err != nil {
			return false, err
		}
		result, err := runner.RunExperiment(ctx, runner.ConcurrentIssueExperiment(engine, req, opts.attempts))
		if perr := printJSON(result); perr != nil {
			return false, perr
		}
		if err != nil {
			return false, err
		}
		if !result.HypothesisHeld {
			return false, nil
		}
	}

	report := runner.RunChecks(ctx)
	if err := printJSON(report); err != nil {
		return false, err
	}
	return report.Healthy(), nil
}

func experimentRequest(opts options, clk clock.Clock) (circulation.IssueRequest, error) {
	itemID, err := uuid.Parse(opts.itemID)
	if err != nil {
		return circulation.IssueRequest{}, fmt.Errorf("parse -item: %w", err)
	}
	holderID, err := uuid.Parse(opts.holderID)
	if err != nil {
		return circulation.IssueRequest{}, fmt.Errorf("parse -holder: %w", err)
	}
	today := calendar.Day(clk.Now())
	return circulation.IssueRequest{
		ItemID:    itemID,
		HolderID:  holderID,
		IssueDate: today,
		DueDate:   calendar.AddDays(today, circulation.MaxLoanDays),
		Remarks:   "maintenance experiment",
	}, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
