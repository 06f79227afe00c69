// Package ingest loads source chapters into the archive from the formats
// books actually arrive in: a directory of numbered .txt files, an EPUB, or
// a watched drop directory.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"inkstone/internal/logging"
	"inkstone/internal/store"
)

// chapterFilePattern matches "0001_title.txt", "12-title.txt", "7.txt".
var chapterFilePattern = regexp.MustCompile(`^(\d+)[-_ ]?(.*)\.txt$`)

// readConcurrency bounds parallel file reads during directory ingest.
const readConcurrency = 8

// Result summarizes one ingest run.
type Result struct {
	Chapters int
	Queued   int
	Skipped  []string
}

type chapterFile struct {
	number int
	title  string
	path   string
	lines  []string
}

// ParseChapterFilename extracts the chapter number and title from a source
// file name. The second return is the title, which may be empty.
func ParseChapterFilename(name string) (int, string, bool) {
	m := chapterFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	title := strings.ReplaceAll(strings.TrimSpace(m[2]), "_", " ")
	return n, title, true
}

// Directory ingests every chapter file in dir into the book, optionally
// enqueuing each saved chapter for translation. Files are read in parallel;
// chapters are saved and enqueued in number order so queue order matches
// reading order.
func Directory(ctx context.Context, s *store.Store, bookID int64, dir string, enqueue bool) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	result := &Result{}
	var files []*chapterFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		number, title, ok := ParseChapterFilename(entry.Name())
		if !ok {
			result.Skipped = append(result.Skipped, entry.Name())
			continue
		}
		files = append(files, &chapterFile{
			number: number,
			title:  title,
			path:   filepath.Join(dir, entry.Name()),
		})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no chapter files found in %s", dir)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			lines, err := readLines(f.path)
			if err != nil {
				return err
			}
			f.lines = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].number < files[j].number })

	for _, f := range files {
		if err := s.SaveChapterSource(bookID, f.number, f.title, f.lines); err != nil {
			return nil, err
		}
		result.Chapters++
		if enqueue {
			if _, err := s.Enqueue(bookID, f.number); err != nil {
				if errors.Is(err, store.ErrDuplicateQueued) {
					continue
				}
				return nil, err
			}
			result.Queued++
		}
	}

	logging.Ingest("ingested %d chapters from %s into book %d (%d queued, %d skipped)",
		result.Chapters, dir, bookID, result.Queued, len(result.Skipped))
	return result, nil
}

// IngestFile ingests one chapter file into the book.
func IngestFile(s *store.Store, bookID int64, path string, enqueue bool) (int, error) {
	number, title, ok := ParseChapterFilename(filepath.Base(path))
	if !ok {
		return 0, fmt.Errorf("file name %q does not look like a chapter (want NNNN_title.txt)",
			filepath.Base(path))
	}
	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}
	if err := s.SaveChapterSource(bookID, number, title, lines); err != nil {
		return 0, err
	}
	if enqueue {
		if _, err := s.Enqueue(bookID, number); err != nil {
			return number, err
		}
	}
	logging.Ingest("ingested chapter %d from %s into book %d", number, path, bookID)
	return number, nil
}

// readLines reads a text file into trimmed, non-empty lines.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	raw := strings.ReplaceAll(string(data), "\r\n", "\n")
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return lines, nil
}
