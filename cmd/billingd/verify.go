package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func verifyPaystackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-paystack <reference>",
		Short: "Verify a Paystack transaction and reconcile it when paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Paystack.Enabled() {
				return fmt.Errorf("paystack.secret_key is required")
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.paystack.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
