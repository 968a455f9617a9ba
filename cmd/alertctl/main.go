// Command alertctl is the operator CLI for the alert delivery engine:
// inspecting and editing user delivery preferences, and listing dead-letter
// deliveries.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rs/zerolog"

	"github.com/newswatch/alert-engine/internal/platform/config"
	db "github.com/newswatch/alert-engine/internal/storage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	ctx := context.Background()

	database, err := db.New(ctx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 2}, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connect failed")
	}
	defer database.Close()

	switch os.Args[1] {
	case "prefs-show":
		err = prefsShow(ctx, database, os.Args[2:])
	case "prefs-set":
		err = prefsSet(ctx, database, os.Args[2:])
	case "deadletter":
		err = deadLetters(ctx, database, cfg, os.Args[2:])
	case "clicks":
		err = clicks(ctx, database, os.Args[2:])
	case "record-click":
		err = recordClick(ctx, database, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Fatal().Err(err).Msg(os.Args[1] + " failed")
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: alertctl <command> [flags]

commands:
  prefs-show  --user <uuid>
  prefs-set   --user <uuid> [--dedupe-window 6h] [--immediate P0]
              [--digest P1,P2] [--priority-categories security,outage]
              [--clear-priority-categories] [--digest-schedule daily]
              [--channels email,telegram]
  deadletter  [--since "2 days ago"] [--limit 50]
  clicks      [--since "yesterday"] [--limit 100]
  record-click --delivery <uuid>`)
}

func clicks(ctx context.Context, database *db.DB, args []string) error {
	fs := flag.NewFlagSet("clicks", flag.ExitOnError)

	var (
		sinceArg = fs.String("since", "", "only clicks after this time (absolute or relative)")
		limit    = fs.Int("limit", 100, "maximum rows")
	)

	if err := fs.Parse(args); err != nil {
		return err
	}

	since := time.Now().Add(-24 * time.Hour)

	if *sinceArg != "" {
		parsed, err := dateparse.ParseAny(*sinceArg)
		if err != nil {
			return fmt.Errorf("parse --since %q: %w", *sinceArg, err)
		}

		since = parsed
	}

	rows, err := database.ClicksSince(ctx, since, *limit)
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Println("no clicks")

		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLICKED AT\tDELIVERY")

	for _, c := range rows {
		fmt.Fprintf(w, "%s\t%s\n", c.ClickedAt.UTC().Format(time.RFC3339), c.DeliveryID)
	}

	return w.Flush()
}

func recordClick(ctx context.Context, database *db.DB, args []string) error {
	fs := flag.NewFlagSet("record-click", flag.ExitOnError)
	delivery := fs.String("delivery", "", "delivery id")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *delivery == "" {
		return fmt.Errorf("--delivery is required")
	}

	return database.RecordClick(ctx, *delivery)
}

func prefsShow(ctx context.Context, database *db.DB, args []string) error {
	fs := flag.NewFlagSet("prefs-show", flag.ExitOnError)
	user := fs.String("user", "", "user id")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	prefs, found, err := database.GetUserPrefs(ctx, *user)
	if err != nil {
		return err
	}

	if !found {
		fmt.Println("no preference row; showing defaults")
	}

	printPrefs(prefs)

	return nil
}

func prefsSet(ctx context.Context, database *db.DB, args []string) error {
	fs := flag.NewFlagSet("prefs-set", flag.ExitOnError)

	var (
		user       = fs.String("user", "", "user id")
		window     = fs.Duration("dedupe-window", 0, "dedupe suppression window")
		immediate  = fs.String("immediate", "", "comma-separated priorities sent immediately")
		digest     = fs.String("digest", "", "comma-separated priorities batched into digests")
		categories = fs.String("priority-categories", "", "comma-separated P1 categories (empty string disables P1)")
		clearCats  = fs.Bool("clear-priority-categories", false, "reset categories back to the global default")
		sched      = fs.String("digest-schedule", "", "daily, hourly, or a cron expression")
		channels   = fs.String("channels", "", "comma-separated enabled channels")
	)

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *user == "" {
		return fmt.Errorf("--user is required")
	}

	update := db.PrefsUpdate{
		ImmediatePriorities:     splitList(*immediate),
		DigestPriorities:        splitList(*digest),
		ChannelsEnabled:         splitList(*channels),
		ClearPriorityCategories: *clearCats,
	}

	if *window > 0 {
		secs := int(window.Seconds())
		update.DedupeWindowSec = &secs
	}

	if *sched != "" {
		update.DigestSchedule = sched
	}

	// An explicitly passed empty list is an override that disables P1,
	// distinct from not passing the flag at all.
	if categoriesSet(fs) {
		update.PriorityCategories = splitList(*categories)
		if update.PriorityCategories == nil {
			update.PriorityCategories = []string{}
		}
	}

	prefs, err := database.UpsertUserPrefs(ctx, *user, update)
	if err != nil {
		return err
	}

	printPrefs(prefs)

	return nil
}

func categoriesSet(fs *flag.FlagSet) bool {
	var set bool

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "priority-categories" {
			set = true
		}
	})

	return set
}

func deadLetters(ctx context.Context, database *db.DB, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("deadletter", flag.ExitOnError)

	var (
		sinceArg = fs.String("since", "", "only rows queued after this time (absolute or relative)")
		limit    = fs.Int("limit", 50, "maximum rows")
	)

	if err := fs.Parse(args); err != nil {
		return err
	}

	var since time.Time

	if *sinceArg != "" {
		parsed, err := dateparse.ParseAny(*sinceArg)
		if err != nil {
			return fmt.Errorf("parse --since %q: %w", *sinceArg, err)
		}

		since = parsed
	}

	letters, err := database.DeadLetters(ctx, cfg.MaxAttempts, since, *limit)
	if err != nil {
		return err
	}

	if len(letters) == 0 {
		fmt.Println("no dead letters")

		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LAST ATTEMPT\tCHANNEL\tPRIORITY\tATTEMPTS\tALERT\tARTICLE\tERROR")

	for _, l := range letters {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			l.LastAttempt.UTC().Format(time.RFC3339),
			l.Channel, l.Priority, l.AttemptCount,
			l.AlertID, l.ArticleID, firstLine(l.Error),
		)
	}

	return w.Flush()
}

func printPrefs(prefs db.Prefs) {
	categories := "(inherit global default)"
	if !prefs.PriorityCategories.Inherit {
		categories = strings.Join(prefs.PriorityCategories.Categories, ", ")
		if categories == "" {
			categories = "(none: P1 promotion disabled)"
		}
	}

	fmt.Printf("dedupe window:        %s\n", prefs.DedupeWindow)
	fmt.Printf("immediate priorities: %s\n", strings.Join(prefs.ImmediatePriorities, ", "))
	fmt.Printf("digest priorities:    %s\n", strings.Join(prefs.DigestPriorities, ", "))
	fmt.Printf("priority categories:  %s\n", categories)
	fmt.Printf("digest schedule:      %s\n", prefs.DigestSchedule)
	fmt.Printf("channels enabled:     %s\n", strings.Join(prefs.ChannelsEnabled, ", "))
}

// firstLine keeps the dead-letter table one row per delivery even when the
// stored error carries a multi-line payload.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}

	return s
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}
