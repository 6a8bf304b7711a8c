package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Slimua/Unity-ofice-sub003/packages/formula"
)

var (
	evalWorkbook string
	evalCell     string
	showAST      bool
)

var evalCmd = &cobra.Command{
	Use:   "eval FORMULA",
	Short: "Evaluate one formula",
	Long: `Evaluate one formula. with --workbook the workbook is recalculated
first and the formula may reference its cells.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := loadService(evalWorkbook)
		if err != nil {
			return err
		}
		if evalWorkbook != "" {
			if _, err := recalculate(ctx, svc, nil); err != nil {
				return err
			}
		}

		at := svc.defaultCell()
		if evalCell != "" {
			row, col, err := formula.ParseCellAddress(evalCell)
			if err != nil {
				return err
			}
			at.Row, at.Column = row, col
		}
		value, ast, err := svc.Evaluate(ctx, args[0], at)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if showAST {
			fmt.Fprintln(out, ast.ToString())
		}
		fmt.Fprintln(out, formula.FormatValue(value))
		return nil
	},
}

func init() {
	evalCmd.Flags().StringVar(&evalWorkbook, "workbook", "", "YAML workbook to evaluate against")
	evalCmd.Flags().StringVar(&evalCell, "at", "", "Cell the formula is evaluated in, such as B2")
	evalCmd.Flags().BoolVar(&showAST, "ast", false, "Print the parsed formula before its value")
	rootCmd.AddCommand(evalCmd)
}
