package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the translation queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add [book-id] [chapter...]",
	Short: "Enqueue chapters for translation",
	Args:  cobra.MinimumNArgs(2),
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

		for _, arg := range args[1:] {
			chapter, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("invalid chapter number %q", arg)
			}
			position, err := s.Enqueue(bookID, chapter)
			if err != nil {
				return err
			}
			fmt.Println(successStyle.Render(fmt.Sprintf("queued chapter %d of book %d at position %d",
				chapter, bookID, position)))
		}
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued chapters in order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		items, err := s.ListQueue()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println(dimStyle.Render("queue is empty"))
			return nil
		}
		for _, item := range items {
			title := item.Title
			if title != "" {
				title = " " + title
			}
			fmt.Printf("%s book %d chapter %d%s %s\n",
				titleStyle.Render(fmt.Sprintf("%3d.", item.Position)),
				item.BookID, item.Chapter, title,
				dimStyle.Render("queued "+item.EnqueuedAt.Format("2006-01-02 15:04")))
		}
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove [book-id] [chapter]",
	Short: "Remove a queued chapter",
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

		if err := s.Remove(bookID, chapter); err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("removed chapter %d of book %d", chapter, bookID)))
		return nil
	},
}

var queueClearBook int64

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the queue (or one book's items with --book)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		removed, err := s.Clear(queueClearBook)
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("removed %d queued chapters", removed)))
		return nil
	},
}

func init() {
	queueClearCmd.Flags().Int64Var(&queueClearBook, "book", 0, "clear only this book's items")
	queueCmd.AddCommand(queueAddCmd, queueListCmd, queueRemoveCmd, queueClearCmd)
}
