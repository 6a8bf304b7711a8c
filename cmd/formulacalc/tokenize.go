package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Slimua/Unity-ofice-sub003/packages/formula"
)

var postfix bool

var tokenizeCmd = &cobra.Command{
	Use:   "tokenize FORMULA",
	Short: "Print the token tree of a formula",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := formula.Tokenize(args[0], postfix)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tree.String())
		return nil
	},
}

func init() {
	tokenizeCmd.Flags().BoolVar(&postfix, "postfix", false, "Reorder operators into postfix order")
	rootCmd.AddCommand(tokenizeCmd)
}
