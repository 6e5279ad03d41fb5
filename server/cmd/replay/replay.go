package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/san-kum/liftform/server/analyzer"
	"github.com/san-kum/liftform/server/models"
)

// recordedFrame is one line of a JSON-lines recording.
type recordedFrame struct {
	TimestampMs int64             `json:"timestamp_ms"`
	Landmarks   []models.Landmark `json:"landmarks"`
}

type options struct {
	file     string
	interval time.Duration
	verbose  bool
	asJSON   bool
	cfg      analyzer.Config
}

func newRootCommand() *cobra.Command {
	opts := options{cfg: analyzer.DefaultConfig()}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a landmark recording through the deadlift analyzer",
		Long: "Reads a JSON-lines file with one {\"timestamp_ms\", \"landmarks\"} object per line,\n" +
			"runs every frame through a fresh session and prints rep events and the summary.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if opts.file != "-" {
				f, err := os.Open(opts.file)
				if err != nil {
					return fmt.Errorf("open recording: %w", err)
				}
				defer f.Close()
				in = f
			}

			_, err := replay(in, cmd.OutOrStdout(), opts)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", "-", "JSON-lines recording, - for stdin")
	flags.DurationVar(&opts.interval, "interval", 33*time.Millisecond, "frame spacing used when a line has no timestamp_ms")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "print every phase transition and spine status change")
	flags.BoolVar(&opts.asJSON, "json", false, "print the summary as JSON")
	flags.Float64Var(&opts.cfg.Reps.StandingAngle, "standing-angle", opts.cfg.Reps.StandingAngle, "hip angle above which the lifter is standing")
	flags.Float64Var(&opts.cfg.Reps.BottomAngle, "bottom-angle", opts.cfg.Reps.BottomAngle, "hip angle below which the lifter is at the bottom")
	flags.DurationVar(&opts.cfg.Reps.MinRepInterval, "min-rep-interval", opts.cfg.Reps.MinRepInterval, "reps closer than this are rejected")
	flags.Float64Var(&opts.cfg.Spine.Warning, "spine-warning", opts.cfg.Spine.Warning, "smoothed curvature for a warning")
	flags.Float64Var(&opts.cfg.Spine.Danger, "spine-danger", opts.cfg.Spine.Danger, "smoothed curvature for danger")

	return cmd
}

func replay(r io.Reader, w io.Writer, opts options) (models.SessionSummary, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	epoch := time.UnixMilli(0).UTC()
	var session *analyzer.Session
	var now time.Time
	var lastStatus models.SpineStatus
	line := 0

	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var rec recordedFrame
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return models.SessionSummary{}, fmt.Errorf("line %d: %w", line, err)
		}

		switch {
		case rec.TimestampMs > 0:
			now = time.UnixMilli(rec.TimestampMs).UTC()
		case session == nil:
			now = epoch
		default:
			now = now.Add(opts.interval)
		}

		if session == nil {
			session = analyzer.NewSession("replay", opts.cfg, now)
			lastStatus = models.SpineSafe
		}

		res := session.Process(rec.Landmarks, now)
		at := now.Sub(session.StartedAt).Seconds()
		ev := res.Event

		if opts.verbose && ev.Transitioned {
			fmt.Fprintf(w, "%8.2fs  phase %s -> %s  hip=%.1f\n", at, ev.From, ev.To, res.Hip)
		}
		if status := res.Spine.ConfirmedStatus; status != lastStatus {
			if opts.verbose || status.Alerting() {
				fmt.Fprintf(w, "%8.2fs  spine %s (%.1f deg)\n", at, status, res.Spine.SmoothedAngle)
			}
			lastStatus = status
		}
		if ev.RepRejected {
			fmt.Fprintf(w, "%8.2fs  rep rejected (too soon after previous)\n", at)
		}
		if ev.SetClosed {
			fmt.Fprintf(w, "%8.2fs  set %d closed with %d reps\n", at, ev.ClosedSet, ev.ClosedReps)
		}
		if ev.RepCounted && res.LastFinalizedScore != nil {
			fmt.Fprintf(w, "%8.2fs  set %d rep %d  score %d  (%s)\n",
				at, res.Phase.SetIndex, res.Phase.RepCountInSet, *res.LastFinalizedScore, ev.RepDuration.Round(time.Millisecond))
		}
	}
	if err := scanner.Err(); err != nil {
		return models.SessionSummary{}, fmt.Errorf("read recording: %w", err)
	}
	if session == nil {
		return models.SessionSummary{}, fmt.Errorf("recording has no frames")
	}

	summary := session.Summary(now)

	if opts.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return summary, enc.Encode(summary)
	}

	fmt.Fprintf(w, "\nframes analysed: %d\n", summary.TotalFrames)
	fmt.Fprintf(w, "total reps:      %d\n", summary.TotalReps)
	fmt.Fprintf(w, "sets:            %v\n", summary.SetsDetail)
	fmt.Fprintf(w, "rep scores:      %v\n", summary.RepScores)
	fmt.Fprintf(w, "average score:   %d\n", summary.AvgRepScore)
	fmt.Fprintf(w, "warnings:        rounded back %d, other %d\n", summary.Warnings.RoundedBack, summary.Warnings.Other)

	return summary, nil
}
