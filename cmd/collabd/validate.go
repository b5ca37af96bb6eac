package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AltairaLabs/CollabKit/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate [manifest]",
	Short: "Validate a CollabServer manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if printSchema, _ := cmd.Flags().GetBool("print-schema"); printSchema {
			_, err := cmd.OutOrStdout().Write(config.Schema())
			return err
		}
		if len(args) == 0 {
			return fmt.Errorf("manifest path required")
		}
		cfg, err := config.LoadConfig(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: valid %s %q (ledger=%s, addr=%s)\n",
			args[0], cfg.Kind, cfg.Metadata.Name, cfg.Spec.Ledger.Backend, cfg.Spec.Server.Addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("print-schema", false, "Print the embedded JSON schema and exit")
}
