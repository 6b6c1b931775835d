package main

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/ineyio/llmbroker"
)

var (
	endpointFlag   string
	inputCostFlag  int64
	outputCostFlag int64
	costInUSDFlag  bool
)

var registerCmd = &cobra.Command{
	Use:   "register <model>",
	Short: "Register a server in the directory and publish its pricing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		server, err := s.client.RegisterServer(cmd.Context(), llmbroker.ServerSetup{
			Endpoint:        endpointFlag,
			Model:           args[0],
			InputTokenCost:  big.NewInt(inputCostFlag),
			OutputTokenCost: big.NewInt(outputCostFlag),
			CostInUSD:       costInUSDFlag,
		})
		if server != (common.Address{}) {
			fmt.Printf("Server contract: %s\n", server.Hex())
		}
		return err
	},
}

var pricingCmd = &cobra.Command{
	Use:   "set-cost <server>",
	Short: "Update a server's token costs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		return s.client.SetTokenCost(cmd.Context(), server, big.NewInt(inputCostFlag), big.NewInt(outputCostFlag), costInUSDFlag)
	},
}

func init() {
	for _, c := range []*cobra.Command{registerCmd, pricingCmd} {
		c.Flags().Int64Var(&inputCostFlag, "input-cost", 0, "cost per input token in wei")
		c.Flags().Int64Var(&outputCostFlag, "output-cost", 0, "cost per output token in wei")
		c.Flags().BoolVar(&costInUSDFlag, "usd", false, "costs are denominated in USD")
	}
	registerCmd.Flags().StringVar(&endpointFlag, "endpoint", "", "public URL of the inference endpoint")
	rootCmd.AddCommand(registerCmd, pricingCmd)
}
