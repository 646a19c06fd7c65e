// Command lendingctl reads lending reports and settles fines through the API.
//
//	lendingctl [-email E -password P] summary
//	lendingctl overdue [YYYY-MM-DD]
//	lendingctl fines
//	lendingctl payfine <transaction-id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lendingdesk/internal/calendar"
	"lendingdesk/internal/client"
	"lendingdesk/internal/config"
	"lendingdesk/internal/logging"
)

var errUsage = errors.New("usage: lendingctl [-email E -password P] summary | overdue [YYYY-MM-DD] | fines | payfine <id>")

func main() {
	email := flag.String("email", os.Getenv("LENDING_EMAIL"), "log in with this email before the command")
	password := flag.String("password", os.Getenv("LENDING_PASSWORD"), "password for -email")
	timeout := flag.Duration("timeout", 15*time.Second, "request timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	c := client.New(cfg.APIURL, cfg.APIToken)
	if *email != "" {
		if err := c.Login(ctx, *email, *password); err != nil {
			logger.WithError(err).Fatal("login failed")
		}
	}

	if err := run(ctx, c, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		logger.WithError(err).Fatal("command failed")
	}
}

func run(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()

	switch args[0] {
	case "summary":
		s, err := c.Summary(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "items\t%d\t(issued %d, available %d)\n", s.TotalItems, s.IssuedItems, s.AvailableItems)
		fmt.Fprintf(w, "active memberships\t%d\n", s.ActiveMemberships)
		fmt.Fprintf(w, "transactions\t%d\t(pending returns %d)\n", s.TotalTransactions, s.PendingReturns)
		fmt.Fprintf(w, "fines\t%d\t(collected %d, pending %d)\n", s.TotalFine, s.FineCollected, s.FinePending)

	case "overdue":
		var asOf time.Time
		if len(args) > 1 {
			var err error
			if asOf, err = calendar.Parse(args[1]); err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
		}
		entries, err := c.Overdue(ctx, asOf)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TRANSACTION\tSERIAL\tTITLE\tHOLDER\tDUE\tDAYS\tEST. FINE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
				e.ID, e.ItemSerialNo, e.ItemTitle, e.HolderName, calendar.Format(e.DueDate), e.DaysOverdue, e.EstimatedFine)
		}

	case "fines":
		list, err := c.UnpaidFines(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "TRANSACTION\tTITLE\tHOLDER\tFINE")
		for _, t := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.ID, t.ItemTitle, t.HolderName, t.Fine)
		}

	case "payfine":
		if len(args) != 2 {
			return errUsage
		}
		id, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		t, err := c.PayFine(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\tfine %d\tpaid %t\n", t.ID, t.Fine, t.FinePaid)

	default:
		return errUsage
	}
	return nil
}
