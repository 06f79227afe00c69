package store

import (
	"encoding/json"
	"fmt"
	"io"

	"inkstone/internal/glossary"
	"inkstone/internal/logging"
)

// glossaryFile is the interchange format for glossary export and import.
type glossaryFile struct {
	Version  int                `json:"version"`
	Entities glossary.EntityMap `json:"entities"`
}

const glossaryFileVersion = 1

// ExportGlossary writes the scope's glossary as indented JSON.
func (s *Store) ExportGlossary(bookID int64, w io.Writer) error {
	entities, err := s.Entities(bookID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(glossaryFile{Version: glossaryFileVersion, Entities: entities}); err != nil {
		return fmt.Errorf("failed to encode glossary: %w", err)
	}
	logging.Store("exported %d entities from scope %d", entities.Count(), bookID)
	return nil
}

// ImportGlossary merges a glossary file into the scope with upsert
// semantics: existing keys are overwritten, keys filed under another
// category are skipped. Returns the number of entities processed.
func (s *Store) ImportGlossary(bookID int64, r io.Reader) (int, error) {
	var file glossaryFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return 0, fmt.Errorf("failed to parse glossary file: %w", err)
	}
	if file.Version != glossaryFileVersion {
		return 0, fmt.Errorf("unsupported glossary file version %d", file.Version)
	}
	if file.Entities == nil {
		return 0, fmt.Errorf("glossary file has no entities")
	}

	if err := s.UpsertEntities(bookID, file.Entities); err != nil {
		return 0, err
	}
	count := file.Entities.Count()
	logging.Store("imported %d entities into scope %d", count, bookID)
	return count, nil
}
