package apihttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"citypulse/internal/schema"
)

// BuildSnapshotXLSX renders the current entities of one type as a
// workbook, one column per declared field in schema order.
func BuildSnapshotXLSX(cfg *schema.EntityConfig, entities []map[string]any) ([]byte, error) {
	f := excelize.NewFile()
	sheet := "entities"
	f.SetSheetName("Sheet1", sheet)

	names := cfg.Fields.Names()
	for col, name := range names {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, name)
	}
	for row, entity := range entities {
		for col, name := range names {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(sheet, cell, cellValue(entity[name]))
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSnapshotPDF renders a compact table of the snapshot. Only the
// first few declared fields fit a portrait page; the XLSX export carries
// the full width.
func BuildSnapshotPDF(cfg *schema.EntityConfig, entities []map[string]any) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Entity Snapshot")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Type: %s", cfg.EntityType))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Entities: %d", len(entities)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	names := cfg.Fields.Names()
	if len(names) > 4 {
		names = names[:4]
	}
	colWidth := 190.0 / float64(len(names))

	pdf.SetFont("Arial", "B", 9)
	for _, name := range names {
		pdf.CellFormat(colWidth, 6, name, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, entity := range entities {
		for _, name := range names {
			pdf.CellFormat(colWidth, 6, truncate(cellString(entity[name]), 28), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// cellValue keeps scalars native for spreadsheet formatting and encodes
// everything else as JSON.
func cellValue(value any) any {
	switch value.(type) {
	case nil:
		return ""
	case string, float64, bool, int:
		return value
	default:
		return cellString(value)
	}
}

func cellString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool, int:
		return fmt.Sprintf("%v", v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

// truncate shortens on a rune boundary so multibyte text stays valid.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
