package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"inkstone/internal/glossary"
	"inkstone/internal/store"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Manage the glossary of named entities",
	Long: `Manages the glossary that keeps names consistent across chapters.
Entities are scoped: book id 0 addresses the global glossary shared by all
books; any other id addresses that book's own entries, which shadow global
ones at translation time.`,
}

func parseScope(arg string) (int64, error) {
	scope, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || scope < 0 {
		return 0, fmt.Errorf("invalid scope %q (0 = global, otherwise a book id)", arg)
	}
	return scope, nil
}

var entitiesListCategory string

var entitiesListCmd = &cobra.Command{
	Use:   "list [scope]",
	Short: "List entities in a scope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}
		var category glossary.Category
		if entitiesListCategory != "" {
			if category, err = glossary.ParseCategory(entitiesListCategory); err != nil {
				return err
			}
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		recs, err := s.ListEntities(scope, category)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println(dimStyle.Render("no entities in this scope"))
			return nil
		}
		for _, rec := range recs {
			extra := ""
			if rec.Gender != "" {
				extra = " (" + rec.Gender + ")"
			}
			fmt.Printf("%s %s -> %s%s %s\n",
				dimStyle.Render(fmt.Sprintf("[%s]", rec.Category)),
				entityStyle.Render(rec.Untranslated), rec.Translation, extra,
				dimStyle.Render(fmt.Sprintf("last seen ch.%d", rec.LastChapter)))
		}
		return nil
	},
}

var entitiesAddGender string

var entitiesAddCmd = &cobra.Command{
	Use:   "add [scope] [category] [untranslated] [translation]",
	Short: "Add an entity",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}
		category, err := glossary.ParseCategory(args[1])
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		_, err = s.AddEntity(&store.EntityRecord{
			BookID:       scope,
			Category:     category,
			Untranslated: args[2],
			Entity:       glossary.Entity{Translation: args[3], Gender: entitiesAddGender},
		})
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("added [%s] %s -> %s", category, args[2], args[3])))
		return nil
	},
}

var entitiesSetRewrite bool

var entitiesSetCmd = &cobra.Command{
	Use:   "set [scope] [untranslated] [new-translation]",
	Short: "Correct an entity's translation",
	Long: `Replaces an entity's English translation. With --rewrite, every stored
chapter translation in the scope's book (or in all books, for the global
scope) is rewritten in place: occurrences of the old translation are
replaced case-preservingly with the new one, so "AZURE DRAGON" becomes
"CERULEAN WYRM" and "Azure dragon" becomes "Cerulean wyrm".`,
	Args: cobra.ExactArgs(3),
	RunE: runEntitiesSet,
}

func runEntitiesSet(cmd *cobra.Command, args []string) error {
	scope, err := parseScope(args[0])
	if err != nil {
		return err
	}
	key, newTranslation := args[1], args[2]

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	entities, err := s.Entities(scope)
	if err != nil {
		return err
	}
	category, current, ok := entities.Lookup(key)
	if !ok {
		return fmt.Errorf("entity %q not found in scope %d: %w", key, scope, store.ErrNotFound)
	}
	oldTranslation := current.Translation

	current.IncorrectTranslation = oldTranslation
	current.Translation = newTranslation
	if err := s.UpdateEntity(scope, category, key, current); err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("[%s] %s: %q -> %q", category, key, oldTranslation, newTranslation)))

	if !entitiesSetRewrite || oldTranslation == "" || oldTranslation == newTranslation {
		return nil
	}
	return rewriteStoredChapters(s, scope, oldTranslation, newTranslation)
}

// rewriteStoredChapters applies a case-preserving replacement to every
// translated chapter the scope covers.
func rewriteStoredChapters(s *store.Store, scope int64, old, replacement string) error {
	var bookIDs []int64
	if scope == 0 {
		books, err := s.ListBooks()
		if err != nil {
			return err
		}
		for _, b := range books {
			bookIDs = append(bookIDs, b.ID)
		}
	} else {
		bookIDs = []int64{scope}
	}

	rewritten := 0
	for _, bookID := range bookIDs {
		chapters, err := s.TranslatedChapters(bookID)
		if err != nil {
			return err
		}
		for _, number := range chapters {
			ch, err := s.GetChapter(bookID, number)
			if err != nil {
				return err
			}
			updated := glossary.RewriteCasePreserving(ch.Translation, old, replacement)
			if equalLines(updated, ch.Translation) {
				continue
			}
			if err := s.ReplaceTranslation(bookID, number, updated); err != nil {
				return err
			}
			rewritten++
		}
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("rewrote %d stored chapters", rewritten)))
	return nil
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var entitiesMoveCmd = &cobra.Command{
	Use:   "move [scope] [untranslated] [new-category]",
	Short: "Refile an entity under another category",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}
		target, err := glossary.ParseCategory(args[2])
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		entities, err := s.Entities(scope)
		if err != nil {
			return err
		}
		from, _, ok := entities.Lookup(args[1])
		if !ok {
			return fmt.Errorf("entity %q not found in scope %d: %w", args[1], scope, store.ErrNotFound)
		}

		if err := s.MoveCategory(scope, args[1], from, target); err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("moved %s from %s to %s", args[1], from, target)))
		return nil
	},
}

var entitiesDeleteCmd = &cobra.Command{
	Use:   "delete [scope] [category] [untranslated]",
	Short: "Delete an entity",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}
		category, err := glossary.ParseCategory(args[1])
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.DeleteEntity(scope, category, args[2]); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("deleted " + args[2]))
		return nil
	},
}

var entitiesExportCmd = &cobra.Command{
	Use:   "export [scope]",
	Short: "Export a scope's glossary as JSON to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		return s.ExportGlossary(scope, os.Stdout)
	},
}

var entitiesImportCmd = &cobra.Command{
	Use:   "import [scope] [file]",
	Short: "Import a glossary JSON file into a scope",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		n, err := s.ImportGlossary(scope, f)
		if err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("imported %d entities into scope %d", n, scope)))
		return nil
	},
}

func init() {
	entitiesListCmd.Flags().StringVar(&entitiesListCategory, "category", "", "filter by category")
	entitiesAddCmd.Flags().StringVar(&entitiesAddGender, "gender", "", "gender for characters (male/female/neither)")
	entitiesSetCmd.Flags().BoolVar(&entitiesSetRewrite, "rewrite", false, "rewrite stored chapter translations")
	entitiesCmd.AddCommand(entitiesListCmd, entitiesAddCmd, entitiesSetCmd,
		entitiesMoveCmd, entitiesDeleteCmd, entitiesExportCmd, entitiesImportCmd)
}
