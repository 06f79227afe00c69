package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"inkstone/internal/glossary"
	"inkstone/internal/store"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit the glossary for conflicts",
	Long: `Scans every glossary scope for identity violations (one name filed under
two categories) and translation collisions (two names sharing one English
translation). Resolve findings with 'inkstone audit resolve'.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := s.Audit()
	if err != nil {
		return err
	}
	if report.Clean() {
		fmt.Println(successStyle.Render("glossary is clean"))
		return nil
	}

	if len(report.CrossCategory) > 0 {
		fmt.Println(headerStyle.Render(fmt.Sprintf("cross-category conflicts (%d):", len(report.CrossCategory))))
		for _, g := range report.CrossCategory {
			fmt.Printf("  %s %s\n", scopeLabel(g.BookID), entityStyle.Render(g.Untranslated))
			for _, rec := range g.Records {
				fmt.Printf("      %s %q\n", dimStyle.Render("["+string(rec.Category)+"]"), rec.Translation)
			}
		}
	}
	if len(report.Collisions) > 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("translation collisions (%d):", len(report.Collisions))))
		for _, g := range report.Collisions {
			fmt.Printf("  %s %q shared by:\n", scopeLabel(g.BookID), g.Translation)
			for _, rec := range g.Records {
				fmt.Printf("      %s %s\n", dimStyle.Render("["+string(rec.Category)+"]"),
					entityStyle.Render(rec.Untranslated))
			}
		}
	}
	fmt.Println(dimStyle.Render("resolve with 'inkstone audit resolve' (keep|move|edit|delete|allow)"))
	return nil
}

func scopeLabel(bookID int64) string {
	if bookID == 0 {
		return dimStyle.Render("[global]")
	}
	return dimStyle.Render(fmt.Sprintf("[book %d]", bookID))
}

var (
	resolveCategory    string
	resolveTranslation string
)

var auditResolveCmd = &cobra.Command{
	Use:   "resolve [scope] [untranslated] [action]",
	Short: "Apply a decision for one conflicted entity",
	Long: `Resolves one audit finding. Actions:

  keep    keep the entity in --category, delete it from all others
  move    refile the entity into --category
  edit    replace the translation in --category with --translation
  delete  remove the entity from the scope entirely
  allow   accept a duplicate as intentional; with --category the entity is
          additionally filed under that category`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(args[0])
		if err != nil {
			return err
		}
		action := store.DecisionAction(args[2])

		decision := store.Decision{
			BookID:       scope,
			Untranslated: args[1],
			Action:       action,
			Translation:  resolveTranslation,
		}
		switch action {
		case store.DecisionKeep, store.DecisionMove, store.DecisionEdit:
			if resolveCategory == "" {
				return fmt.Errorf("action %q requires --category", action)
			}
			decision.Category, err = glossary.ParseCategory(resolveCategory)
			if err != nil {
				return err
			}
		case store.DecisionAllow:
			// Optional for allow: set to file the duplicate under a second
			// category, omit to acknowledge a collision.
			if resolveCategory != "" {
				decision.Category, err = glossary.ParseCategory(resolveCategory)
				if err != nil {
					return err
				}
			}
		case store.DecisionDelete:
		default:
			return fmt.Errorf("unknown action %q (want keep, move, edit, delete or allow)", action)
		}
		if action == store.DecisionEdit && resolveTranslation == "" {
			return fmt.Errorf("action edit requires --translation")
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.ApplyDecision(decision); err != nil {
			return err
		}
		fmt.Println(successStyle.Render(fmt.Sprintf("applied %s for %s", action, args[1])))
		return nil
	},
}

func init() {
	auditResolveCmd.Flags().StringVar(&resolveCategory, "category", "", "target category for keep/move/edit/allow")
	auditResolveCmd.Flags().StringVar(&resolveTranslation, "translation", "", "replacement translation for edit")
	auditCmd.AddCommand(auditResolveCmd)
}
