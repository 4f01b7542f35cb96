package bids

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Participant is one row of a dataset's participants.tsv.
type Participant struct {
	ID    string // participant_id, including the sub- prefix
	Age   string
	Sex   string
	Group string
}

// ReadParticipants parses {rawdata}/participants.tsv. Columns beyond
// participant_id are optional; missing ones are left empty. The header
// row is required.
func ReadParticipants(rawdata string) ([]Participant, error) {
	path := filepath.Join(rawdata, "participants.tsv")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open participants.tsv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse participants.tsv: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("participants.tsv is empty")
	}

	cols := make(map[string]int)
	for i, name := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idCol, ok := cols["participant_id"]
	if !ok {
		return nil, fmt.Errorf("participants.tsv has no participant_id column")
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var participants []Participant
	for _, row := range rows[1:] {
		if idCol >= len(row) || strings.TrimSpace(row[idCol]) == "" {
			continue
		}
		participants = append(participants, Participant{
			ID:    strings.TrimSpace(row[idCol]),
			Age:   field(row, "age"),
			Sex:   field(row, "sex"),
			Group: field(row, "group"),
		})
	}

	return participants, nil
}

// Labels strips the sub- prefix from each participant ID.
func Labels(participants []Participant) []string {
	labels := make([]string, 0, len(participants))
	for _, p := range participants {
		labels = append(labels, strings.TrimPrefix(p.ID, "sub-"))
	}
	return labels
}
