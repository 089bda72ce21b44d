// Package csvparser reads recipient uploads. The file needs a header row with
// an Email column; other columns are carried along untouched.
package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"PulseDispatch/internal/models"
)

const DefaultMaxRows = 1000

type RecipientRow struct {
	Line   int
	Email  string
	Fields map[string]string
}

// ParseRecipientRows returns at most maxRows data rows. Rows with the wrong
// column count or an empty Email cell are skipped; address validation is left
// to the planner so rejections are reported in one place.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, models.ValidationError{Field: "file", Msg: "csv is empty"}
	}
	if err != nil {
		return nil, models.ValidationError{Field: "file", Msg: fmt.Sprintf("unreadable csv: %v", err)}
	}

	emailCol := -1
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if emailCol == -1 && strings.EqualFold(names[i], "email") {
			emailCol = i
		}
	}
	if emailCol == -1 {
		return nil, models.ValidationError{Field: "file", Msg: "csv must contain an Email column"}
	}

	var rows []RecipientRow
	for len(rows) < maxRows {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, models.ValidationError{Field: "file", Msg: fmt.Sprintf("unreadable csv: %v", err)}
		}
		if len(record) != len(header) {
			continue
		}
		email := strings.TrimSpace(record[emailCol])
		if email == "" {
			continue
		}

		line, _ := reader.FieldPos(0)
		row := RecipientRow{Line: line, Email: email, Fields: map[string]string{}}
		for i, v := range record {
			if i != emailCol && names[i] != "" {
				row.Fields[names[i]] = strings.TrimSpace(v)
			}
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, models.ValidationError{Field: "file", Msg: "csv has no recipient rows"}
	}
	return rows, nil
}

func Emails(rows []RecipientRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Email
	}
	return out
}
