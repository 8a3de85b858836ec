package main

import (
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newSessionCmd(client clientFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the agent session",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Create or restore the session keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			s, err := c.StartSession(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show session state, addresses and pending transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			s, err := c.Session(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "fund <chain> <amount>",
		Short: "Fund the session key from the user's wallet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return err
			}
			c, err := client()
			if err != nil {
				return err
			}
			conf, err := c.Fund(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), conf)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke",
		Short: "Refund remaining balances and destroy the session keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.Revoke(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reconcile <chain> <tx-id>",
		Short: "Resolve a pending transfer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.Reconcile(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	})
	return cmd
}
