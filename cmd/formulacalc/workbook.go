package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Slimua/Unity-ofice-sub003/packages/formula"
)

// workbookFile is the YAML layout of a workbook
//
//	names:
//	  Prices: Sheet1!A1:A3
//	units:
//	  - id: book1
//	    name: Book1
//	    sheets:
//	      - id: s1
//	        name: Sheet1
//	        cells:
//	          A1: 1
//	          B1: =A1*2
type workbookFile struct {
	Names map[string]string `yaml:"names"`
	Units []unitFile        `yaml:"units"`
}

type unitFile struct {
	ID     string      `yaml:"id"`
	Name   string      `yaml:"name"`
	Sheets []sheetFile `yaml:"sheets"`
}

type sheetFile struct {
	ID    string         `yaml:"id"`
	Name  string         `yaml:"name"`
	Cells map[string]any `yaml:"cells"`
}

// calculator is a service over an in-memory workbook
type calculator struct {
	*formula.Service
	workbook *formula.MemoryWorkbook
}

func (c *calculator) defaultCell() formula.CellKey {
	at := formula.CellKey{}
	if units := c.workbook.UnitIDs(); len(units) > 0 {
		at.UnitID = units[0]
		if sheets := c.workbook.Sheets(at.UnitID); len(sheets) > 0 {
			at.SheetID = sheets[0].ID
		}
	}
	return at
}

// loadService creates a calculator for a YAML workbook. an empty path gives
// an empty workbook with one sheet.
func loadService(path string) (*calculator, error) {
	file := workbookFile{Units: []unitFile{{ID: "book", Name: "Book", Sheets: []sheetFile{{ID: "sheet", Name: "Sheet1"}}}}}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", path, err)
		}
		file = workbookFile{}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	}
	return newCalculator(file)
}

func newCalculator(file workbookFile) (*calculator, error) {
	wb := formula.NewMemoryWorkbook()
	for _, u := range file.Units {
		if u.ID == "" {
			u.ID = u.Name
		}
		wb.AddUnit(u.ID, u.Name)
		for _, s := range u.Sheets {
			if s.ID == "" {
				s.ID = s.Name
			}
			if _, err := wb.AddSheet(u.ID, s.ID, s.Name); err != nil {
				return nil, err
			}
			for address, value := range s.Cells {
				if err := setCell(wb, u.ID, s.ID, address, value); err != nil {
					return nil, fmt.Errorf("%s!%s: %w", s.Name, address, err)
				}
			}
		}
	}

	names := formula.NewDefinedNames()
	for name, text := range file.Names {
		names.Define(name, text)
	}
	svc := formula.NewService(formula.DefaultRegistry(), wb,
		formula.WithConfig(config),
		formula.WithParserOptions(formula.WithDefinedNames(names)))
	return &calculator{Service: svc, workbook: wb}, nil
}

func setCell(wb *formula.MemoryWorkbook, unitID, sheetID, address string, value any) error {
	row, col, err := formula.ParseCellAddress(address)
	if err != nil {
		return err
	}
	if text, ok := value.(string); ok && strings.HasPrefix(text, "=") {
		return wb.SetFormula(unitID, sheetID, row, col, text)
	}
	return wb.SetValue(unitID, sheetID, row, col, value)
}
