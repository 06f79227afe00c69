package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var chaptersCmd = &cobra.Command{
	Use:   "chapters",
	Short: "Inspect stored chapters",
}

var chaptersListCmd = &cobra.Command{
	Use:   "list [book-id]",
	Short: "List a book's chapters",
	Args:  cobra.ExactArgs(1),
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

		chapters, err := s.ListChapters(bookID)
		if err != nil {
			return err
		}
		if len(chapters) == 0 {
			fmt.Println(dimStyle.Render("no chapters stored for this book"))
			return nil
		}
		for _, ch := range chapters {
			status := dimStyle.Render("untranslated")
			if ch.Translated {
				status = successStyle.Render("translated")
			}
			fmt.Printf("%s %s %s\n", titleStyle.Render(fmt.Sprintf("%4d", ch.Number)),
				orUnknown(ch.Title), status)
		}
		return nil
	},
}

var chaptersShowSource bool

var chaptersShowCmd = &cobra.Command{
	Use:   "show [book-id] [chapter]",
	Short: "Print a chapter's translation (or source with --source)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bookID, chapter, err := parseBookChapter(args)
		if err != nil {
			return err
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ch, err := s.GetChapter(bookID, chapter)
		if err != nil {
			return err
		}

		if chaptersShowSource {
			for _, line := range ch.Source {
				fmt.Println(line)
			}
			return nil
		}
		if ch.Translation == nil {
			return fmt.Errorf("chapter %d of book %d is not translated yet", chapter, bookID)
		}
		for _, line := range ch.Translation {
			fmt.Println(line)
		}
		if ch.Summary != "" {
			fmt.Println()
			fmt.Println(headerStyle.Render("summary: ") + ch.Summary)
		}
		return nil
	},
}

var chaptersDeleteCmd = &cobra.Command{
	Use:   "delete [book-id] [chapter]",
	Short: "Delete a chapter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bookID, chapter, err := parseBookChapter(args)
		if err != nil {
			return err
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.DeleteChapter(bookID, chapter); err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("deleted chapter %d of book %d", chapter, bookID)))
		return nil
	},
}

func init() {
	chaptersShowCmd.Flags().BoolVar(&chaptersShowSource, "source", false, "print the source text instead")
	chaptersCmd.AddCommand(chaptersListCmd, chaptersShowCmd, chaptersDeleteCmd)
}
