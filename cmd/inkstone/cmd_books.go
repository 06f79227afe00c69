package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var booksCmd = &cobra.Command{
	Use:   "books",
	Short: "Manage the book archive",
}

var (
	booksAddAuthor      string
	booksAddLanguage    string
	booksAddTarget      string
	booksAddDescription string
)

var booksAddCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Create a book",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		id, err := s.CreateBook(args[0], booksAddAuthor, booksAddLanguage, booksAddTarget, booksAddDescription)
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("created book %d: %s", id, args[0])))
		return nil
	},
}

var booksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List books",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		books, err := s.ListBooks()
		if err != nil {
			return err
		}
		if len(books) == 0 {
			fmt.Println(dimStyle.Render("no books; add one with 'inkstone books add' or 'inkstone ingest epub'"))
			return nil
		}
		for _, b := range books {
			chapters, err := s.ListChapters(b.ID)
			if err != nil {
				return err
			}
			translated := 0
			for _, ch := range chapters {
				if ch.Translated {
					translated++
				}
			}
			entities, err := s.CountEntities(b.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", titleStyle.Render(fmt.Sprintf("[%d]", b.ID)), b.Title,
				dimStyle.Render(fmt.Sprintf("by %s - %d/%d chapters translated, %d entities",
					orUnknown(b.Author), translated, len(chapters), entities)))
		}
		return nil
	},
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

var booksDeleteCmd = &cobra.Command{
	Use:   "delete [book-id]",
	Short: "Delete a book and everything attached to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid book id %q", args[0])
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.DeleteBook(id); err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("deleted book %d (chapters, entities and queue items included)", id)))
		return nil
	},
}

var booksTemplateCmd = &cobra.Command{
	Use:   "set-template [book-id] [template-file]",
	Short: "Install a book-specific prompt template",
	Long: `Installs a custom prompt template for one book. The template must
contain the {{ENTITIES_JSON}} placeholder, which is replaced with the
glossary at translation time. Pass '-' to revert to the built-in template.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid book id %q", args[0])
		}

		var template string
		if args[1] != "-" {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read template: %w", err)
			}
			template = string(data)
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.SetPromptTemplate(id, template); err != nil {
			return err
		}
		if template == "" {
			fmt.Println(successStyle.Render(fmt.Sprintf("book %d reverted to the built-in template", id)))
		} else {
			fmt.Println(successStyle.Render(fmt.Sprintf("installed template for book %d", id)))
		}
		return nil
	},
}

func init() {
	booksAddCmd.Flags().StringVar(&booksAddAuthor, "author", "", "author name")
	booksAddCmd.Flags().StringVar(&booksAddLanguage, "language", "zh", "source language")
	booksAddCmd.Flags().StringVar(&booksAddTarget, "target-language", "en", "target language")
	booksAddCmd.Flags().StringVar(&booksAddDescription, "description", "", "short description")
	booksCmd.AddCommand(booksAddCmd, booksListCmd, booksDeleteCmd, booksTemplateCmd)
}
