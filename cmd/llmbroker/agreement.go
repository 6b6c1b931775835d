package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ineyio/llmbroker"
)

var (
	depositFlag        string
	idempotencyKeyFlag string
)

var openCmd = &cobra.Command{
	Use:   "open <server>",
	Short: "Open (or reuse) a funded agreement with a server",
	Long: `Escrows a deposit with the server, binding the agreement key.
An existing open, funded agreement bound to the same key is reused.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := parseAddress(args[0])
		if err != nil {
			return err
		}
		kp, err := loadAgreementKey()
		if err != nil {
			return err
		}
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		deposit := s.cfg.DepositWei()
		if depositFlag != "" {
			if deposit, err = llmbroker.ParseEther(depositFlag); err != nil {
				return err
			}
		}
		if deposit.Sign() <= 0 {
			return fmt.Errorf("a deposit is required: set --deposit or client.deposit")
		}

		a, created, err := s.client.OpenAgreement(cmd.Context(), llmbroker.OpenRequest{
			Server:         server,
			KeyPair:        kp,
			Deposit:        deposit,
			IdempotencyKey: idempotencyKeyFlag,
		})
		if err != nil {
			if llmbroker.IsUnsafeToRetry(err) {
				fmt.Println("The deposit transaction was submitted but not confirmed. Check `llmbroker agreements` before retrying.")
			}
			return err
		}

		verb := "Reusing"
		if created {
			verb = "Opened"
		}
		fmt.Printf("%s agreement %s with %s (remaining %s ether)\n",
			verb, a.Address.Hex(), server.Hex(), llmbroker.FormatEther(a.RemainingBalance))
		return nil
	},
}

// settleCmd builds the client-side settlement commands.
func settleCmd(use, short string, settle func(s *session, cmd *cobra.Command, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agreement>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			return settle(s, cmd, args)
		},
	}
}

var refundCmd = settleCmd("refund", "Return an agreement's remaining balance", func(s *session, cmd *cobra.Command, args []string) error {
	agreement, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	remaining, err := s.client.GetRemainingTokens(cmd.Context(), agreement)
	if err != nil {
		return err
	}
	if err := s.client.RefundTokens(cmd.Context(), agreement); err != nil {
		return err
	}
	fmt.Printf("Refunded %s ether from %s\n", llmbroker.FormatEther(remaining), agreement.Hex())
	return nil
})

var satisfiedCmd = settleCmd("satisfied", "Record a satisfied outcome for an agreement", func(s *session, cmd *cobra.Command, args []string) error {
	agreement, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	return s.client.NotifySatisfied(cmd.Context(), agreement)
})

var disputeCmd = settleCmd("dispute", "Record an unsatisfied outcome for an agreement", func(s *session, cmd *cobra.Command, args []string) error {
	agreement, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	return s.client.NotifyUnsatisfied(cmd.Context(), agreement)
})

var balanceCmd = settleCmd("balance", "Show an agreement's remaining balance", func(s *session, cmd *cobra.Command, args []string) error {
	agreement, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	view, err := s.client.Reconcile(cmd.Context(), agreement)
	if err != nil {
		return err
	}
	fmt.Printf("%s ether remaining\n", llmbroker.FormatEther(view.Remaining))
	return nil
})

func init() {
	openCmd.Flags().StringVar(&depositFlag, "deposit", "", "deposit in ether, e.g. 0.01 (default client.deposit)")
	openCmd.Flags().StringVar(&idempotencyKeyFlag, "idempotency-key", "", "key that deduplicates retried opens")
	rootCmd.AddCommand(openCmd, refundCmd, satisfiedCmd, disputeCmd, balanceCmd)
}
