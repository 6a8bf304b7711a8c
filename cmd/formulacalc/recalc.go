package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Slimua/Unity-ofice-sub003/packages/formula"
)

var (
	recalcWorkbook string
	previousPath   string
	cborPath       string
	force          bool
)

var recalcCmd = &cobra.Command{
	Use:   "recalc",
	Short: "Recalculate every formula of a workbook",
	Long: `Recalculate the formulas of a workbook and print their values.

With --previous the result of an earlier run, written with --cbor, is
used to carry spilled arrays forward.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		calc, err := loadService(recalcWorkbook)
		if err != nil {
			return err
		}

		var previous *formula.Result
		if previousPath != "" {
			data, err := os.ReadFile(previousPath)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", previousPath, err)
			}
			if previous, err = formula.DecodeResult(data); err != nil {
				return err
			}
		}

		result, err := recalculate(cmd.Context(), calc, previous)
		if err != nil {
			return err
		}
		printResult(cmd.OutOrStdout(), calc, result)

		if cborPath != "" {
			data, err := formula.EncodeResult(result)
			if err != nil {
				return err
			}
			if err := os.WriteFile(cborPath, data, 0o644); err != nil {
				return fmt.Errorf("cannot write %s: %w", cborPath, err)
			}
		}
		return nil
	},
}

func init() {
	recalcCmd.Flags().StringVar(&recalcWorkbook, "workbook", "", "YAML workbook to recalculate")
	recalcCmd.Flags().StringVar(&previousPath, "previous", "", "CBOR result of an earlier run")
	recalcCmd.Flags().StringVar(&cborPath, "cbor", "", "Write the result as CBOR to this file")
	recalcCmd.Flags().BoolVar(&force, "force", true, "Recalculate every formula")
	_ = recalcCmd.MarkFlagRequired("workbook")
	rootCmd.AddCommand(recalcCmd)
}

// recalculate executes the workbook and writes the result back into it
func recalculate(ctx context.Context, calc *calculator, previous *formula.Result) (*formula.Result, error) {
	snap := &formula.Snapshot{ForceCalculation: force || previous == nil, Previous: previous}
	result, err := calc.Execute(ctx, snap)
	if err != nil {
		return nil, err
	}
	if err := calc.workbook.Apply(result); err != nil {
		return nil, err
	}
	return result, nil
}

func printResult(w io.Writer, calc *calculator, result *formula.Result) {
	for _, unitID := range calc.workbook.UnitIDs() {
		for _, sheet := range calc.workbook.Sheets(unitID) {
			for _, fc := range calc.workbook.Formulas(unitID, sheet.ID) {
				key := formula.CellKey{UnitID: unitID, SheetID: sheet.ID, Row: fc.Row, Column: fc.Column}
				value := calc.workbook.Value(unitID, sheet.ID, fc.Row, fc.Column)
				if arr, ok := result.Spills[key]; ok {
					value = arr
				}
				fmt.Fprintf(w, "%s!%s\t%s\t%s\n", sheet.Name, formula.CellName(fc.Row, fc.Column), fc.Formula, formula.FormatValue(value))
			}
		}
	}
	if result.Cyclic {
		fmt.Fprintf(w, "circular reference after %d attempts\n", result.Attempts)
	}
	if result.Stopped {
		fmt.Fprintf(w, "stopped, %d formulas not calculated\n", len(result.NotExecuted))
	}
}
