package ingest

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/net/html"

	"inkstone/internal/logging"
	"inkstone/internal/store"
)

// EPUB container and package structures, trimmed to what ingestion needs.

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Metadata struct {
		Title       string `xml:"title"`
		Creator     string `xml:"creator"`
		Language    string `xml:"language"`
		Description string `xml:"description"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID   string `xml:"id,attr"`
			Href string `xml:"href,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

// EPUB ingests an .epub file: creates a book from its metadata and one
// chapter per spine document, numbered in spine order. Spine documents with
// no extractable text (covers, title pages) are skipped without consuming a
// chapter number.
func EPUB(s *store.Store, epubPath string, enqueue bool) (int64, *Result, error) {
	r, err := zip.OpenReader(epubPath)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open epub %s: %w", epubPath, err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	opfPath, err := findOPF(files)
	if err != nil {
		return 0, nil, err
	}
	var pkg epubPackage
	if err := decodeXML(files, opfPath, &pkg); err != nil {
		return 0, nil, err
	}

	title := strings.TrimSpace(pkg.Metadata.Title)
	if title == "" {
		title = strings.TrimSuffix(path.Base(epubPath), path.Ext(epubPath))
	}
	language := strings.TrimSpace(pkg.Metadata.Language)
	if language == "" {
		language = "zh"
	}

	bookID, err := s.CreateBook(title, strings.TrimSpace(pkg.Metadata.Creator), language,
		"", strings.TrimSpace(pkg.Metadata.Description))
	if err != nil {
		return 0, nil, err
	}

	hrefs := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		hrefs[item.ID] = item.Href
	}
	opfDir := path.Dir(opfPath)

	result := &Result{}
	number := 0
	for _, ref := range pkg.Spine.ItemRefs {
		href, ok := hrefs[ref.IDRef]
		if !ok {
			result.Skipped = append(result.Skipped, ref.IDRef)
			continue
		}
		docPath := href
		if opfDir != "." {
			docPath = path.Join(opfDir, href)
		}

		chapterTitle, lines, err := extractChapter(files, docPath)
		if err != nil {
			return 0, nil, err
		}
		if len(lines) == 0 {
			result.Skipped = append(result.Skipped, href)
			continue
		}

		number++
		if err := s.SaveChapterSource(bookID, number, chapterTitle, lines); err != nil {
			return 0, nil, err
		}
		result.Chapters++
		if enqueue {
			if _, err := s.Enqueue(bookID, number); err != nil {
				return 0, nil, err
			}
			result.Queued++
		}
	}
	if result.Chapters == 0 {
		return 0, nil, fmt.Errorf("epub %s has no text chapters", epubPath)
	}

	logging.Ingest("ingested epub %q: book %d, %d chapters (%d skipped)",
		title, bookID, result.Chapters, len(result.Skipped))
	return bookID, result, nil
}

// findOPF locates the package document via META-INF/container.xml.
func findOPF(files map[string]*zip.File) (string, error) {
	var container epubContainer
	if err := decodeXML(files, "META-INF/container.xml", &container); err != nil {
		return "", err
	}
	if len(container.Rootfiles) == 0 || container.Rootfiles[0].FullPath == "" {
		return "", fmt.Errorf("epub container.xml names no rootfile")
	}
	return container.Rootfiles[0].FullPath, nil
}

func decodeXML(files map[string]*zip.File, name string, v any) error {
	f, ok := files[name]
	if !ok {
		return fmt.Errorf("epub is missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer rc.Close()
	if err := xml.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// extractChapter pulls the visible text of one spine document as lines. The
// first h1-h3 heading becomes the chapter title.
func extractChapter(files map[string]*zip.File, name string) (string, []string, error) {
	f, ok := files[name]
	if !ok {
		return "", nil, fmt.Errorf("epub is missing spine document %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return "", nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer rc.Close()
	return extractHTML(rc)
}

// blockTags end a line of extracted text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true,
	"td": true, "tr": true, "blockquote": true,
}

func extractHTML(r io.Reader) (string, []string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse document: %w", err)
	}

	var (
		title   string
		lines   []string
		current strings.Builder
	)
	flush := func() {
		line := strings.TrimSpace(current.String())
		current.Reset()
		if line != "" {
			lines = append(lines, line)
		}
	}

	var walk func(*html.Node, bool)
	walk = func(n *html.Node, inHeading bool) {
		switch n.Type {
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" || n.Data == "head" || n.Data == "title" {
				return
			}
			heading := inHeading || n.Data == "h1" || n.Data == "h2" || n.Data == "h3"
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c, heading)
			}
			if blockTags[n.Data] {
				if heading && title == "" {
					title = strings.TrimSpace(current.String())
				}
				flush()
			}
			return
		case html.TextNode:
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if current.Len() > 0 {
					current.WriteString(" ")
				}
				current.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inHeading)
		}
	}
	walk(doc, false)
	flush()

	return title, lines, nil
}
