package storage

import (
	"encoding/json"
	"io"
)

type ExportData struct {
	Run     RunMetadata `json:"run"`
	Cycles  int         `json:"cycles"`
	History []Row       `json:"history"`
}

// ExportJSON writes the metadata and full history of a run to w.
func (s *Store) ExportJSON(w io.Writer, runID string) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}
	rows, err := s.LoadHistory(runID)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(ExportData{
		Run:     *meta,
		Cycles:  len(rows),
		History: rows,
	})
}
