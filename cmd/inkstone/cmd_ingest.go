package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"inkstone/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load source chapters into the archive",
}

var ingestEnqueue bool

var ingestDirCmd = &cobra.Command{
	Use:   "dir [book-id] [directory]",
	Short: "Ingest a directory of numbered chapter files",
	Long: `Ingests every chapter file in a directory. File names must carry the
chapter number: "0001_the_azure_peak.txt", "12-title.txt" or plain "7.txt";
underscores in the title part become spaces. Other files are skipped and
reported.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bookID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid book id %q", args[0])
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := ingest.Directory(cmd.Context(), s, bookID, args[1], ingestEnqueue)
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("ingested %d chapters into book %d (%d queued)",
			result.Chapters, bookID, result.Queued)))
		for _, name := range result.Skipped {
			fmt.Println(warnStyle.Render("skipped ") + name)
		}
		return nil
	},
}

var ingestEpubCmd = &cobra.Command{
	Use:   "epub [file]",
	Short: "Ingest an EPUB as a new book",
	Long: `Creates a book from an EPUB's metadata and ingests its spine documents as
chapters in reading order. Front matter without body text (covers, title
pages) is skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		bookID, result, err := ingest.EPUB(s, args[0], ingestEnqueue)
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("created book %d with %d chapters (%d queued)",
			bookID, result.Chapters, result.Queued)))
		return nil
	},
}

var ingestWatchCmd = &cobra.Command{
	Use:   "watch [book-id] [directory]",
	Short: "Watch a directory and ingest chapter files as they appear",
	Long: `Watches a drop directory and ingests each new chapter file once it stops
changing. Every ingested chapter is enqueued for translation; run
'inkstone worker' alongside to translate them as they arrive. Existing
files are not picked up - backfill with 'inkstone ingest dir' first.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bookID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid book id %q", args[0])
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		w := ingest.NewWatcher(s, bookID, args[1])
		w.OnIngest = func(chapter int) {
			fmt.Println(successStyle.Render(fmt.Sprintf("ingested and queued chapter %d", chapter)))
		}
		fmt.Fprintln(os.Stderr, dimStyle.Render(fmt.Sprintf("watching %s for book %d; ctrl-c to stop",
			args[1], bookID)))
		return w.Run(cmd.Context())
	},
}

func init() {
	ingestDirCmd.Flags().BoolVar(&ingestEnqueue, "enqueue", false, "also enqueue ingested chapters")
	ingestEpubCmd.Flags().BoolVar(&ingestEnqueue, "enqueue", false, "also enqueue ingested chapters")
	ingestCmd.AddCommand(ingestDirCmd, ingestEpubCmd, ingestWatchCmd)
}
