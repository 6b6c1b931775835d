package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/ineyio/llmbroker"
	"github.com/ineyio/llmbroker/guard"
	"github.com/ineyio/llmbroker/ledger/evm"
	"github.com/ineyio/llmbroker/meter"
	"github.com/ineyio/llmbroker/provider/httpendpoint"
)

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var (
	cfgFile      string
	agreementKey string
	debugMode    bool
)

var rootCmd = &cobra.Command{
	Use:   "llmbroker",
	Short: "Pay-per-token access to LLM servers listed in an on-chain directory",
	Long: `llmbroker lists inference servers from the directory contract, opens
escrow agreements with them, and sends prompts signed with the agreement key.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", getEnvOrDefault("LLMBROKER_CONFIG", "llmbroker.yaml"), "config file")
	rootCmd.PersistentFlags().StringVar(&agreementKey, "agreement-key", os.Getenv("LLMBROKER_AGREEMENT_KEY"), "hex private key that signs prompts")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
}

// session is everything a command needs to talk to the ledger.
type session struct {
	cfg     llmbroker.Config
	gateway *evm.Gateway
	client  *llmbroker.Client
}

func (s *session) Close() { s.gateway.Close() }

func openSession(ctx context.Context) (*session, error) {
	cfg, err := llmbroker.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if debugMode {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	gw, err := evm.Dial(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}

	opts := []llmbroker.Option{
		llmbroker.WithMeter(meter.NewLogMeter(logger)),
		llmbroker.WithGuard(guard.NewMemoryGuard(guard.DefaultTTL)),
	}
	for _, ep := range cfg.Endpoints {
		opts = append(opts, llmbroker.WithEndpoint(common.HexToAddress(ep.Server), httpendpoint.FromConfig(ep)))
	}

	client, err := llmbroker.NewClient(cfg, gw, opts...)
	if err != nil {
		gw.Close()
		return nil, err
	}
	logger.Debug("session_opened", "account", client.Account().Hex(), "directory", cfg.Ledger.DirectoryAddress)
	return &session{cfg: cfg, gateway: gw, client: client}, nil
}

func loadAgreementKey() (llmbroker.KeyPair, error) {
	if agreementKey == "" {
		return llmbroker.KeyPair{}, fmt.Errorf("--agreement-key or LLMBROKER_AGREEMENT_KEY is required")
	}
	return llmbroker.KeyPairFromHex(agreementKey)
}
