package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nugget/camrelay/internal/capture"
	"github.com/nugget/camrelay/internal/journal"
)

func journalCommand() *cli.Command {
	return &cli.Command{
		Name:  "journal",
		Usage: "show recent capture cycles from the local journal",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "n",
				Aliases: []string{"limit"},
				Value:   20,
				Usage:   "number of cycles to show",
			},
		},
		Action: func(c *cli.Context) error {
			return runJournal(c.Context, c.App.Writer, c.String("config"), c.String("output"), c.Int("n"))
		},
	}
}

// journalReport is the JSON shape of the journal command.
type journalReport struct {
	Summary map[capture.Result]int `json:"summary"`
	Recent  []journalEntry         `json:"recent"`
}

type journalEntry struct {
	CycleID      string    `json:"cycle_id"`
	StartedAt    time.Time `json:"started_at"`
	DurationMs   int64     `json:"duration_ms"`
	Result       string    `json:"result"`
	FrameBytes   int       `json:"frame_bytes"`
	PayloadBytes int       `json:"payload_bytes"`
	Error        string    `json:"error,omitempty"`
}

func runJournal(ctx context.Context, w io.Writer, configPath, outputFmt string, n int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Journal.Configured() {
		return errors.New("journal is disabled (set journal.path in the config)")
	}

	store, err := journal.Open(cfg.Journal.Path, 0)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer store.Close()

	summary, err := store.Summary(ctx)
	if err != nil {
		return err
	}
	recent, err := store.Recent(ctx, n)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		report := journalReport{Summary: summary, Recent: make([]journalEntry, 0, len(recent))}
		for _, o := range recent {
			report.Recent = append(report.Recent, journalEntry{
				CycleID:      o.CycleID,
				StartedAt:    o.StartedAt,
				DurationMs:   o.Duration.Milliseconds(),
				Result:       string(o.Result),
				FrameBytes:   o.FrameBytes,
				PayloadBytes: o.PayloadBytes,
				Error:        o.Err,
			})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	total := 0
	for _, c := range summary {
		total += c
	}
	fmt.Fprintf(w, "%d cycles journaled", total)
	for _, r := range []capture.Result{
		capture.ResultPublished, capture.ResultSkipped, capture.ResultAcquireFailed,
		capture.ResultTooLarge, capture.ResultEncodeFailed, capture.ResultSerializeFailed,
		capture.ResultPublishFailed, capture.ResultFailed,
	} {
		if summary[r] > 0 {
			fmt.Fprintf(w, ", %s %d", r, summary[r])
		}
	}
	fmt.Fprintln(w)
	if len(recent) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCYCLE\tRESULT\tFRAME\tPAYLOAD\tDURATION\tERROR")
	for _, o := range recent {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			o.StartedAt.Local().Format(time.DateTime),
			shortID(o.CycleID),
			o.Result,
			o.FrameBytes,
			o.PayloadBytes,
			o.Duration,
			o.Err,
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
