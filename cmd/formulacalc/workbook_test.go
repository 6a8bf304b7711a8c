package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Slimua/Unity-ofice-sub003/packages/formula"
)

const budgetYAML = `
names:
  Prices: Sheet1!A1:A3
units:
  - id: book1
    name: Budget
    sheets:
      - id: s1
        name: Sheet1
        cells:
          A1: 1
          A2: 2
          A3: 3
          B1: "=SUM(Prices)"
          C1: "=SEQUENCE(2)"
      - name: Totals
        cells:
          A1: "=Sheet1!B1*10"
`

func writeWorkbook(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "book.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func TestRecalculateWorkbook(t *testing.T) {
	calc, err := loadService(writeWorkbook(t, budgetYAML))
	require.NoError(t, err)
	assert.Equal(t, formula.CellKey{UnitID: "book1", SheetID: "s1"}, calc.defaultCell())

	result, err := recalculate(context.Background(), calc, nil)
	require.NoError(t, err)
	assert.Equal(t, 60.0, calc.workbook.Value("book1", "Totals", 0, 0))

	var out bytes.Buffer
	printResult(&out, calc, result)
	assert.Equal(t,
		"Sheet1!B1\t=SUM(Prices)\t6\n"+
			"Sheet1!C1\t=SEQUENCE(2)\t{1;2}\n"+
			"Totals!A1\t=Sheet1!B1*10\t60\n",
		out.String())
}

func TestLoadServiceErrors(t *testing.T) {
	_, err := loadService(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "cannot read")

	_, err = loadService(writeWorkbook(t, "units: ["))
	assert.ErrorContains(t, err, "parse error in")

	_, err = loadService(writeWorkbook(t, "units:\n  - id: b\n    sheets:\n      - name: S\n        cells:\n          NOPE: 1\n"))
	assert.ErrorContains(t, err, "S!NOPE")

	calc, err := loadService("")
	require.NoError(t, err)
	assert.Equal(t, formula.CellKey{UnitID: "book", SheetID: "sheet"}, calc.defaultCell())
}

func TestCommands(t *testing.T) {
	path := writeWorkbook(t, budgetYAML)
	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.ExecuteContext(context.Background()))
		return out.String()
	}

	assert.Equal(t, "(B1*2)\n12\n", run("eval", "--workbook", path, "--ast", "=B1*2"))

	cborFile := filepath.Join(t.TempDir(), "result.cbor")
	out := run("recalc", "--workbook", path, "--cbor", cborFile)
	assert.Contains(t, out, "Sheet1!B1\t=SUM(Prices)\t6\n")

	data, err := os.ReadFile(cborFile)
	require.NoError(t, err)
	previous, err := formula.DecodeResult(data)
	require.NoError(t, err)
	assert.Len(t, previous.ArrayFormulaRanges, 1)

	out = run("recalc", "--workbook", path, "--previous", cborFile, "--cbor", "")
	assert.Contains(t, out, "Sheet1!C1\t=SEQUENCE(2)\t{1;2}\n")

	assert.NotEmpty(t, run("tokenize", "=1+2"))
}
