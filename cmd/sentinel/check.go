package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/internal/events"
	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/report"
	"github.com/user/sentinel/internal/storage"
)

var flagRange string

var checkCmd = &cobra.Command{
	Use:   "check owner/repo",
	Short: "Generate a report now and print it",
	Long: `Generate a report for a repository immediately. With --range the
report covers the given dates and a stored subscription keeps its
schedule afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo, err := storage.ParseRepo(args[0])
		if err != nil {
			return err
		}
		var override *frequency.Interval
		if flagRange != "" {
			iv, err := frequency.ParseRange(flagRange)
			if err != nil {
				return err
			}
			override = &iv
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		sub, err := a.Core.Get(owner, repo)
		if errors.Is(err, errs.ErrNotFound) {
			sub = storage.Subscription{Owner: owner, Repo: repo, Frequency: frequency.Daily(), EventTypes: storage.DefaultEvents()}
		} else if err != nil {
			return err
		}

		return streamReport(cmd.OutOrStdout(), "Fetching "+sub.TaskID(), func(h events.Handler) (*report.Report, error) {
			return a.Core.CheckNow(cmd.Context(), sub, override, h)
		})
	},
}

var hnCmd = &cobra.Command{
	Use:   "hn",
	Short: "Generate the Hacker News digest now and print it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		return streamReport(cmd.OutOrStdout(), "Fetching stories", func(h events.Handler) (*report.Report, error) {
			return a.Core.StreamHackerNews(cmd.Context(), h)
		})
	},
}

func init() {
	checkCmd.Flags().StringVarP(&flagRange, "range", "r", "", "report window as YYYY-MM-DD~YYYY-MM-DD")
}

// streamReport shows a spinner until the first chunk arrives, then copies
// chunks to w as they are produced.
func streamReport(w io.Writer, description string, run func(events.Handler) (*report.Report, error)) error {
	bar := newSpinner(description)
	var once sync.Once
	stop := func() { once.Do(func() { finishBar(bar) }) }
	defer stop()

	rep, err := run(func(ev events.Event) {
		if ev.Type != events.TypeChunk {
			return
		}
		stop()
		fmt.Fprint(w, ev.Content)
	})
	stop()
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	if rep != nil && !rep.GeneratedAt.IsZero() {
		fmt.Fprintf(os.Stderr, "Generated %s at %s\n", rep.Title, rep.GeneratedAt.Format(time.RFC3339))
	}
	return nil
}

func newSpinner(description string) *progressbar.ProgressBar {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	_ = bar.RenderBlank()
	return bar
}

func finishBar(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}
