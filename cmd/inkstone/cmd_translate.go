package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"inkstone/internal/glossary"
	"inkstone/internal/prompt"
	"inkstone/internal/provider"
	"inkstone/internal/store"
	"inkstone/internal/translator"
)

var (
	translateCommit bool
	translateQuiet  bool
)

var translateCmd = &cobra.Command{
	Use:   "translate [book-id] [chapter]",
	Short: "Translate one chapter",
	Long: `Translates a single chapter with the configured translation model.

The result is printed for review; pass --commit to also store the
translation and fold the chapter's new entities into the book glossary.
Conflicts detected during merging (a name filed under two categories, or two
names sharing one translation) are listed at the end - resolve them with
'inkstone entities' or 'inkstone audit'.`,
	Args: cobra.ExactArgs(2),
	RunE: runTranslate,
}

func init() {
	translateCmd.Flags().BoolVar(&translateCommit, "commit", false, "store the translation and new entities")
	translateCmd.Flags().BoolVarP(&translateQuiet, "quiet", "q", false, "suppress streaming output")
}

func parseBookChapter(args []string) (int64, int, error) {
	bookID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid book id %q", args[0])
	}
	chapter, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chapter number %q", args[1])
	}
	return bookID, chapter, nil
}

func runTranslate(cmd *cobra.Command, args []string) error {
	bookID, chapter, err := parseBookChapter(args)
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	client, err := translationClient(cmd.Context())
	if err != nil {
		return err
	}
	tr, err := newTranslator(s, client, translateQuiet)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, dimStyle.Render(fmt.Sprintf("translating chapter %d of book %d with %s:%s",
		chapter, bookID, client.Name(), client.Model())))

	outcome, err := tr.TranslateChapter(cmd.Context(), bookID, chapter)
	if err != nil {
		var malformed *provider.MalformedJSONError
		if errors.As(err, &malformed) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("model returned unparseable output:"))
			fmt.Fprintln(os.Stderr, malformed.Raw)
		}
		return err
	}

	fmt.Println(titleStyle.Render(outcome.Result.Title))
	for _, line := range outcome.Result.Content {
		fmt.Println(line)
	}
	fmt.Println()
	fmt.Println(headerStyle.Render("summary: ") + outcome.Result.Summary)
	fmt.Println(dimStyle.Render(fmt.Sprintf("%d chars in %v", outcome.TotalChars, outcome.Elapsed.Round(1e8))))

	printNewEntities(outcome.NewEntities)
	printDuplicates(outcome.Duplicates)

	if !translateCommit {
		fmt.Println(dimStyle.Render("dry run; pass --commit to store the result"))
		return nil
	}
	if err := tr.Commit(outcome); err != nil {
		return err
	}
	fmt.Println(successStyle.Render(fmt.Sprintf("committed chapter %d of book %d", chapter, bookID)))
	return nil
}

func printNewEntities(entities glossary.EntityMap) {
	if entities.Count() == 0 {
		return
	}
	fmt.Println(headerStyle.Render(fmt.Sprintf("new entities (%d):", entities.Count())))
	for _, cat := range glossary.Categories {
		for key, e := range entities[cat] {
			fmt.Printf("  %s %s -> %s\n", dimStyle.Render("["+string(cat)+"]"),
				entityStyle.Render(key), e.Translation)
		}
	}
}

func printDuplicates(dups []glossary.PotentialDuplicate) {
	if len(dups) == 0 {
		return
	}
	fmt.Println(warnStyle.Render(fmt.Sprintf("potential duplicates (%d):", len(dups))))
	for _, d := range dups {
		fmt.Printf("  %s proposed as %s/%q but exists as %s/%q\n",
			entityStyle.Render(d.Untranslated), d.NewCategory, d.Translation,
			d.ExistingCategory, d.ExistingTranslation)
	}
	fmt.Println(dimStyle.Render("resolve with 'inkstone entities move|set' or 'inkstone audit'"))
}

var adviseCmd = &cobra.Command{
	Use:   "advise [book-id] [entity]",
	Short: "Ask the advice model for translation options for an entity",
	Long: `Requests a short assessment and exactly three candidate translations
for one glossary entity, using the configured advice model. Translations
already taken by other entities in scope are excluded from the proposals.
Book id 0 addresses the global glossary.`,
	Args: cobra.ExactArgs(2),
	RunE: runAdvise,
}

func runAdvise(cmd *cobra.Command, args []string) error {
	bookID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid book id %q", args[0])
	}
	key := args[1]

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	entities, err := s.Entities(bookID)
	if err != nil {
		return err
	}
	cat, current, ok := entities.Lookup(key)
	if !ok {
		return fmt.Errorf("entity %q not found in scope %d: %w", key, bookID, store.ErrNotFound)
	}

	var taken []string
	for _, c := range glossary.Categories {
		for otherKey, e := range entities[c] {
			if otherKey != glossary.NFC(key) && e.Translation != "" {
				taken = append(taken, e.Translation)
			}
		}
	}

	client, err := adviceClient(cmd.Context())
	if err != nil {
		return err
	}

	advice, err := translator.Advise(cmd.Context(), client, prompt.AdviceInput{
		Untranslated: key,
		Category:     string(cat),
		Current:      current.Translation,
		Taken:        taken,
	})
	if err != nil {
		return err
	}

	fmt.Println(headerStyle.Render("assessment: ") + advice.Assessment)
	for i, opt := range advice.Options {
		fmt.Printf("%s %s\n    %s\n", titleStyle.Render(fmt.Sprintf("%d.", i+1)),
			opt.Translation, dimStyle.Render(opt.Rationale))
	}
	return nil
}
