// Command estimator runs the cohort revenue estimation batch.
//
//	estimator [--config path] run    [--as-of 2025-10-01] [--dry-run] [--progress]
//	estimator [--config path] resume --run-id <id> [--progress]
//	estimator [--config path] status [--run-id <id>] [--limit n] [--latest]
//	estimator [--config path] export --run-id <id>
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/urfave/cli/v2"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/export"
	"github.com/ignite/cohort-estimator/internal/pipeline"
	"github.com/ignite/cohort-estimator/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatalf("estimator: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "estimator",
		Usage: "cohort revenue estimation batch",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config.yaml (defaults and env when empty)",
				EnvVars: []string{"ESTIMATOR_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			resumeCommand(),
			statusCommand(),
			exportCommand(),
		},
	}
}

var progressFlag = &cli.BoolFlag{Name: "progress", Usage: "show per-stage progress bars"}

func parseAsOf(v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("as-of must be RFC3339 or YYYY-MM-DD: %q", v)
	}
	// a bare date means the end of that day
	return t.Add(24*time.Hour - time.Nanosecond), nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start a new run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "as-of", Usage: "pin the run's now (RFC3339 or YYYY-MM-DD, default: current time)"},
			&cli.BoolFlag{Name: "dry-run", Usage: "compute everything in memory without writing results"},
			progressFlag,
		},
		Action: func(c *cli.Context) error {
			asOf, err := parseAsOf(c.String("as-of"))
			if err != nil {
				return err
			}
			cfg := loadConfig(c.String("config"))
			if c.Bool("progress") {
				cfg.Estimator.ShowProgress = true
			}

			d, err := connect(c.Context, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			dryRun := c.Bool("dry-run")
			r, err := d.runner(c.Context, dryRun)
			if err != nil {
				return err
			}
			if dryRun {
				log.Println("Dry run: results stay in memory")
			}
			rep, err := r.Run(c.Context, asOf)
			if err != nil {
				return err
			}
			printReport(rep)
			return nil
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "continue a failed or interrupted run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run-id", Usage: "run to resume", Required: true},
			progressFlag,
		},
		Action: func(c *cli.Context) error {
			runID := c.String("run-id")
			cfg := loadConfig(c.String("config"))
			if c.Bool("progress") {
				cfg.Estimator.ShowProgress = true
			}
			d, err := connect(c.Context, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			r, err := d.runner(c.Context, false)
			if err != nil {
				return err
			}
			rep, err := r.Resume(c.Context, runID)
			if errors.Is(err, pipeline.ErrRunComplete) {
				log.Printf("Run %s is already complete, nothing to do", runID)
				return nil
			}
			if err != nil {
				return err
			}
			printReport(rep)
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show recent runs or one run",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run-id", Usage: "show a single run"},
			&cli.IntFlag{Name: "limit", Value: 10, Usage: "number of recent runs to list"},
			&cli.BoolFlag{Name: "latest", Usage: "show the latest published run from the DynamoDB index"},
		},
		Action: func(c *cli.Context) error {
			cfg := loadConfig(c.String("config"))
			if c.Bool("latest") {
				return showLatest(c.Context, cfg.Export.S3Region, cfg.Export.DynamoDBTable)
			}

			d, err := connect(c.Context, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			var runs []domain.Run
			if id := c.String("run-id"); id != "" {
				run, err := d.store.GetRun(c.Context, id)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("run %s not found", id)
				}
				if err != nil {
					return err
				}
				runs = []domain.Run{*run}
			} else if runs, err = d.store.ListRuns(c.Context, c.Int("limit")); err != nil {
				return err
			}
			return printRuns(runs)
		},
	}
}

func showLatest(ctx context.Context, region, table string) error {
	if table == "" {
		return errors.New("export.dynamodb_table is not configured")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	item, err := export.NewRunIndex(dynamodb.NewFromConfig(awsCfg), table).Latest(ctx)
	if err != nil {
		return err
	}
	if item == nil {
		fmt.Println("no published runs")
		return nil
	}
	fmt.Printf("run %s as_of=%s published=%s pairs=%d rollup_rows=%d\n  %s\n",
		item.RunID, item.AsOf, item.PublishedAt, item.Pairs, item.RollupRows, item.Location)
	return nil
}

func printRuns(runs []domain.Run) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tAS OF\tSTARTED\tFINISHED\tERROR")
	for _, r := range runs {
		finished := "-"
		if r.CompletedAt != nil {
			finished = r.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.AsOf.Format(time.RFC3339),
			r.StartedAt.Format(time.RFC3339), finished, r.Error)
	}
	return w.Flush()
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "publish a completed run to S3",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "run-id", Usage: "completed run to export", Required: true},
		},
		Action: func(c *cli.Context) error {
			runID := c.String("run-id")
			cfg := loadConfig(c.String("config"))
			d, err := connect(c.Context, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			ex, err := d.exporter(c.Context)
			if err != nil {
				return err
			}
			if ex == nil {
				return errors.New("export is not configured (set EXPORT_S3_BUCKET)")
			}
			run, err := d.store.GetRun(c.Context, runID)
			if err != nil {
				return fmt.Errorf("load run %s: %w", runID, err)
			}
			products, err := d.events().ListProducts(c.Context, run.AsOf)
			if err != nil {
				return err
			}
			m, err := ex.Export(c.Context, d.store, runID, products)
			if err != nil {
				return err
			}
			log.Printf("Exported run %s: %d objects, %d pairs", m.Run.ID, len(m.Objects), m.Pairs)
			return nil
		},
	}
}

func printReport(rep *pipeline.Report) {
	fmt.Printf("run %s %s (as_of=%s)\n", rep.Run.ID, rep.Run.Status, rep.Run.AsOf.Format(time.RFC3339))
	fmt.Printf("  products=%d partitions=%d pairs=%d excluded=%d\n", rep.Products, rep.Partitions, rep.Pairs, rep.ExcludedPairs)
	fmt.Printf("  rollup_rows=%d validation_errors=%d\n", rep.RollupRows, rep.ValidationErrors)

	var resumed []string
	for _, st := range []domain.Stage{domain.StageBuckets, domain.StageRates, domain.StageTimeline} {
		if n := rep.Skipped[st]; n > 0 {
			resumed = append(resumed, fmt.Sprintf("%s=%d", st, n))
		}
	}
	if len(resumed) > 0 {
		fmt.Printf("  resumed partitions: %s\n", strings.Join(resumed, " "))
	}

	scores := make([]string, 0, len(rep.Accuracy))
	for s := range rep.Accuracy {
		scores = append(scores, string(s))
	}
	sort.Strings(scores)
	for _, s := range scores {
		fmt.Printf("  accuracy %-10s %d\n", s, rep.Accuracy[domain.AccuracyScore(s)])
	}
	if rep.Export != nil {
		fmt.Printf("  exported %d objects\n", len(rep.Export.Objects))
	}
}
