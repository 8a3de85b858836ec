package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"AgentPay-Chain/sdk/go/agentpay"
)

const defaultServer = "http://127.0.0.1:8080"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("AGENTPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("server", defaultServer)

	rootCmd := &cobra.Command{
		Use:          "agentpayctl",
		Short:        "Operate an AgentPay daemon: session lifecycle, tool calls, balances",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("server", defaultServer, "daemon base URL (env AGENTPAY_SERVER)")
	rootCmd.PersistentFlags().String("token", "", "API bearer token (env AGENTPAY_TOKEN)")
	_ = v.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	clientFn := func() (*agentpay.Client, error) {
		token := v.GetString("token")
		if token == "" {
			return nil, fmt.Errorf("api token is required: pass --token or set AGENTPAY_TOKEN")
		}
		return agentpay.NewClient(v.GetString("server"), token, nil)
	}

	rootCmd.AddCommand(
		newSessionCmd(clientFn),
		newToolCmd(clientFn),
		newBalancesCmd(clientFn),
		newUsageCmd(clientFn),
	)
	return rootCmd
}

type clientFactory func() (*agentpay.Client, error)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
