// Package importer parses item inventory files (CSV and XLSX) into Items
// ready for the worklist. Column order is header-driven, not positional, so
// exported spreadsheets survive column reshuffling.
package importer

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/facet-labs/gemlens/internal/model"
)

// Recognized header names, lowercased. Attribute columns become manual
// fields; the images column is split into ordered asset locations.
const (
	colID     = "id"
	colName   = "name"
	colImages = "images"
)

// imageSeparators splits the images cell into individual locations.
var imageSeparators = []string{";", "|"}

// ParseCSV reads an inventory CSV. The first row must be a header.
func ParseCSV(r io.Reader) ([]model.Item, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "importer: read csv header")
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "importer: read csv row")
		}
		rows = append(rows, record)
	}

	return rowsToItems(header, rows)
}

// ParseXLSX reads an inventory spreadsheet. The first sheet is used and its
// first row must be a header.
func ParseXLSX(path string) ([]model.Item, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "importer: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("importer: %s has no sheets", path)
	}

	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("importer: %s sheet is empty", path)
	}

	header := rowToStrings(sheet.Rows[0])
	rows := make([][]string, 0, len(sheet.Rows)-1)
	for _, row := range sheet.Rows[1:] {
		rows = append(rows, rowToStrings(row))
	}

	return rowsToItems(header, rows)
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

// rowsToItems maps header-addressed cells into Items. Rows without an id are
// skipped; unknown columns are ignored.
func rowsToItems(header []string, rows [][]string) ([]model.Item, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols[colID]; !ok {
		return nil, eris.New("importer: header has no id column")
	}

	attrCols := make(map[model.Attribute]int)
	for _, attr := range model.Attributes {
		if idx, ok := cols[string(attr)]; ok {
			attrCols[attr] = idx
		}
	}

	var items []model.Item
	for _, row := range rows {
		id := cell(row, cols[colID])
		if id == "" {
			continue
		}

		item := model.Item{
			ID:     id,
			Manual: make(model.FieldSet),
		}
		if idx, ok := cols[colName]; ok {
			item.Name = cell(row, idx)
		}
		for attr, idx := range attrCols {
			if v := cell(row, idx); v != "" {
				item.Manual[attr] = v
			}
		}
		if idx, ok := cols[colImages]; ok {
			for ord, loc := range splitImages(cell(row, idx)) {
				item.Images = append(item.Images, model.ImageAsset{
					ItemID:   id,
					Ordinal:  ord,
					Location: loc,
				})
			}
		}

		items = append(items, item)
	}
	return items, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func splitImages(raw string) []string {
	if raw == "" {
		return nil
	}
	sep := imageSeparators[0]
	for _, s := range imageSeparators {
		if strings.Contains(raw, s) {
			sep = s
			break
		}
	}

	var out []string
	for _, part := range strings.Split(raw, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
