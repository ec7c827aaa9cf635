package cmd

import (
	"os"
	"sort"

	"github.com/kilnfi/go-ledger-kiln/cal"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(selectorsCmd)
}

var selectorsCmd = &cobra.Command{
	Use:   "selectors",
	Short: "List the contract calls the plugin clear signs",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := cal.LoadB2C()
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Contract", "Address", "Selector", "Method", "Plugin"})
		for _, c := range b.Contracts {
			sels := make([]string, 0, len(c.Selectors))
			for s := range c.Selectors {
				sels = append(sels, s)
			}
			sort.Strings(sels)
			for _, s := range sels {
				e := c.Selectors[s]
				table.Append([]string{c.ContractName, c.Address, s, e.Method, e.Plugin})
			}
		}
		table.Render()
		return nil
	},
}
