package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ineyio/llmbroker"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an agreement signing key",
	Long: `Prints a fresh secp256k1 private key for --agreement-key, its public key,
and the key ID agreements bind. Keep the private key secret.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := llmbroker.CreateKeyPair()
		if err != nil {
			return err
		}
		fmt.Printf("private: %s\n", hex.EncodeToString(kp.Private.Serialize()))
		fmt.Printf("public:  %s\n", kp.PublicHex())
		fmt.Printf("key id:  %s\n", kp.KeyID())
		return nil
	},
}

// Version is set at build time.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("llmbroker %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd, versionCmd)
}
