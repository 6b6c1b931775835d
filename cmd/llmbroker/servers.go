package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var serversCmd = &cobra.Command{
	Use:     "servers",
	Aliases: []string{"ls"},
	Short:   "List every server in the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		listings, err := s.client.GetServerList(cmd.Context())
		if err != nil {
			return err
		}
		printListings(listings)
		return nil
	},
}

var sortedCmd = &cobra.Command{
	Use:   "sorted [model]",
	Short: "List servers for a model, cheapest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		model := s.cfg.Client.DefaultModel
		if len(args) == 1 {
			model = args[0]
		}
		listings, err := s.client.GetSortedServers(cmd.Context(), model)
		if err != nil {
			return err
		}
		printListings(listings)
		return nil
	},
}

var ownedCmd = &cobra.Command{
	Use:   "owned [wallet]",
	Short: "List servers owned by a wallet (default: this account)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		owner := s.client.Account()
		if len(args) == 1 {
			if owner, err = parseAddress(args[0]); err != nil {
				return err
			}
		}
		listings, err := s.client.GetWalletServerList(cmd.Context(), owner)
		if err != nil {
			return err
		}
		printListings(listings)
		return nil
	},
}

var agreementsCmd = &cobra.Command{
	Use:   "agreements [wallet]",
	Short: "List a wallet's agreements across all servers",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		wallet := s.client.Account()
		if len(args) == 1 {
			if wallet, err = parseAddress(args[0]); err != nil {
				return err
			}
		}
		agreements, err := s.client.GetWalletAgreements(cmd.Context(), wallet)
		if err != nil {
			return err
		}
		if len(agreements) == 0 {
			fmt.Println("No agreements found.")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "AGREEMENT\tSERVER\tREMAINING\tINPUT\tOUTPUT\tSTATUS")
		for _, a := range agreements {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.Address.Hex(), a.ServerAddress.Hex(), a.RemainingBalance,
				a.InputTokenCost, a.OutputTokenCost, a.Status)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(serversCmd, sortedCmd, ownedCmd, agreementsCmd)
}
