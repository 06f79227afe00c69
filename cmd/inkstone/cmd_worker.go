package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inkstone/internal/translator"
	"inkstone/internal/worker"
)

var (
	workerPoll time.Duration
	workerOnce bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Drain the translation queue",
	Long: `Translates and commits queued chapters in order until the queue is empty,
then polls for new work. Chapters run strictly one at a time so each
chapter's new entities are established vocabulary for the next.

A failed chapter halts the worker and stays at the head of the queue; fix
the cause (API key, rate limit, malformed output) and start the worker
again to resume where it stopped.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().DurationVar(&workerPoll, "poll", worker.DefaultPollInterval, "idle re-check interval")
	workerCmd.Flags().BoolVar(&workerOnce, "once", false, "process a single item and exit")
}

func runWorker(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	client, err := translationClient(cmd.Context())
	if err != nil {
		return err
	}
	tr, err := newTranslator(s, client, true)
	if err != nil {
		return err
	}

	w := worker.New(s, tr, workerPoll)
	w.OnOutcome = func(outcome *translator.Outcome) {
		logger.Debug("chapter committed",
			zap.Int64("book", outcome.BookID),
			zap.Int("chapter", outcome.Chapter),
			zap.Duration("elapsed", outcome.Elapsed))
		fmt.Println(successStyle.Render(fmt.Sprintf("committed chapter %d of book %d",
			outcome.Chapter, outcome.BookID)) +
			dimStyle.Render(fmt.Sprintf(" (%d chars in %v, %d new entities)",
				outcome.TotalChars, outcome.Elapsed.Round(time.Second), outcome.NewEntities.Count())))
		printDuplicates(outcome.Duplicates)
	}

	if workerOnce {
		return w.RunOnce(cmd.Context())
	}

	fmt.Fprintln(os.Stderr, dimStyle.Render(fmt.Sprintf("worker running with %s:%s; ctrl-c to stop",
		client.Name(), client.Model())))
	logger.Debug("worker starting",
		zap.String("provider", client.Name()),
		zap.String("model", client.Model()),
		zap.Duration("poll", workerPoll))
	err = w.Run(cmd.Context())
	if err != nil {
		logger.Error("worker halted", zap.Error(err))
	}
	return err
}
