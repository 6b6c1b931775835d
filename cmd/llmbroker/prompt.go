package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/ineyio/llmbroker"
)

var (
	serverFlag    string
	maxTokensFlag int
	showThinking  bool
)

var priceCmd = &cobra.Command{
	Use:   "price <server> <message>...",
	Short: "Estimate the input cost of a prompt on a server",
	Args:  cobra.MinimumNArgs(2),
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

		price, err := s.client.GetServerContextPrice(cmd.Context(), server, nil, parseMessages(args[1:]))
		if err != nil {
			return err
		}
		deposit := llmbroker.EstimateDeposit(price, s.cfg.Client.DepositSlack)
		fmt.Printf("Input cost: %s wei (%s ether)\n", price, llmbroker.FormatEther(price))
		fmt.Printf("Suggested deposit: %s ether\n", llmbroker.FormatEther(deposit))
		return nil
	},
}

var promptCmd = &cobra.Command{
	Use:   "prompt <message>...",
	Short: "Send a signed prompt",
	Long: `Sends the messages to a server's endpoint, signed with the agreement key.
Each argument is one message; prefix it with "system:" or "assistant:" to set
the role. Without --server the cheapest healthy server for the default model
is used.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := loadAgreementKey()
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		var server common.Address
		if serverFlag != "" {
			if server, err = parseAddress(serverFlag); err != nil {
				return err
			}
		} else {
			c, err := s.client.SelectServer(cmd.Context(), "")
			if err != nil {
				return err
			}
			server = c.Listing.ContractAddress
		}

		resp, err := s.client.Prompt(cmd.Context(), server, parseMessages(args), maxTokensFlag, kp)
		if err != nil {
			return err
		}
		reply := resp.Reply()
		if !showThinking {
			reply = llmbroker.StripThinkTags(reply)
		}
		fmt.Println(reply)
		return nil
	},
}

func init() {
	promptCmd.Flags().StringVar(&serverFlag, "server", "", "server contract to prompt")
	promptCmd.Flags().IntVar(&maxTokensFlag, "max-tokens", 0, "output token limit (default client.max_tokens)")
	promptCmd.Flags().BoolVar(&showThinking, "show-thinking", false, "keep <think> blocks in the reply")
	rootCmd.AddCommand(priceCmd, promptCmd)
}
