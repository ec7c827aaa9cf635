package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(getConfigurationCmd)
}

var getConfigurationCmd = &cobra.Command{
	Use:   "getConfiguration",
	Short: "Get the version and settings of the Ethereum app",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		c, err := s.eth.GetAppConfiguration(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println("version:", c.Version)
		fmt.Println("blind signing:", c.ArbitraryDataEnabled)
		fmt.Println("erc20 provisioning necessary:", c.ERC20ProvisioningNecessary)
		return nil
	},
}
