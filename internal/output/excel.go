package output

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/relieftools/harvester/internal/metrics"
)

// ExcelSink writes tabs as worksheets of a single workbook.
type ExcelSink struct {
	path string
	book *excelize.File
}

// NewExcelSink creates a workbook sink saving to path.
func NewExcelSink(path string) *ExcelSink {
	return &ExcelSink{path: path, book: excelize.NewFile()}
}

func (e *ExcelSink) UpdateTab(name string, rows [][]any) error {
	index, err := e.book.GetSheetIndex(name)
	if err != nil {
		return fmt.Errorf("sheet %s: %w", name, err)
	}
	if index < 0 {
		if _, err := e.book.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := e.book.SetSheetRow(name, cell, &row); err != nil {
			return fmt.Errorf("write sheet %s row %d: %w", name, i+1, err)
		}
	}
	metrics.ObserveTabWrite("excel")
	return nil
}

func (e *ExcelSink) Save() error {
	// The default sheet is noise once real tabs exist.
	if sheets := e.book.GetSheetList(); len(sheets) > 1 {
		for _, name := range sheets {
			if name == "Sheet1" {
				if err := e.book.DeleteSheet(name); err != nil {
					return err
				}
				break
			}
		}
	}
	if err := e.book.SaveAs(e.path); err != nil {
		return fmt.Errorf("save workbook %s: %w", e.path, err)
	}
	return nil
}

func (e *ExcelSink) Close() error {
	return e.book.Close()
}
