package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"AgentPay-Chain/sdk/go/agentpay"
)

func newToolCmd(client clientFactory) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Invoke or list agent tools",
	}

	var (
		id   string
		args []string
	)
	call := &cobra.Command{
		Use:     "call <name>",
		Short:   "Dispatch a tool call, e.g. tool call transferSOL --arg to=<addr> --arg amount=0.01",
		Args:    cobra.ExactArgs(1),
		Example: "agentpayctl tool call swapTokens --arg inputSymbol=SOL --arg outputSymbol=USDC --arg amount=0.1",
		RunE: func(cmd *cobra.Command, positional []string) error {
			parsed, err := parseArgs(args)
			if err != nil {
				return err
			}
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.CallTool(cmd.Context(), agentpay.ToolCall{ID: id, Name: positional[0], Args: parsed})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	call.Flags().StringVar(&id, "id", "", "call identifier (generated by the daemon when empty)")
	call.Flags().StringArrayVar(&args, "arg", nil, "tool argument as key=value, repeatable")
	cmd.AddCommand(call)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List supported tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			tools, err := c.Tools(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range tools {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	})
	return cmd
}

// parseArgs 保留字符串形式，金额由服务端按十进制解析。
func parseArgs(raw []string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q, expected key=value", kv)
		}
		out[key] = value
	}
	return out, nil
}

func newBalancesCmd(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "Read session balances on every chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.Balances(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newUsageCmd(client clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show spend limits and remaining budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.Usage(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
