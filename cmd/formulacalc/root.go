package main

import (
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/Slimua/Unity-ofice-sub003/packages/formula"
)

var (
	configPath string
	verbose    int
	config     = formula.DefaultConfig()
)

var rootCmd = &cobra.Command{
	Use:   "formulacalc",
	Short: "Spreadsheet formula engine",
	Long: `Tokenize, evaluate and recalculate spreadsheet formulas.

Commands:
  tokenize  Print the token tree of a formula.
  eval      Evaluate one formula, optionally against a workbook.
  recalc    Recalculate every formula of a workbook.

Workbooks are YAML files listing units, sheets and cells. Cell text
starting with "=" is a formula.

Examples:
  formulacalc tokenize --postfix "=1+2*3"
  formulacalc eval "=SUM(SEQUENCE(3))"
  formulacalc recalc --workbook book.yaml --cbor result.cbor`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			cfg, err := formula.LoadConfig(configPath)
			if err != nil {
				return err
			}
			config = cfg
		}
		level := config.LogLevel
		if verbose > 0 {
			level = verbose
		}
		commonlog.Configure(level, nil)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML configuration file")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "Log verbosity, repeat for more")
}
