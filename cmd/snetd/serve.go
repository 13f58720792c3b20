package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	snetd "github.com/singnet/snetd"
	"github.com/singnet/snetd/config"
	"github.com/singnet/snetd/evm"
	snethttp "github.com/singnet/snetd/http"
	"github.com/singnet/snetd/jobs"
	"github.com/singnet/snetd/ledger"
	evmsigner "github.com/singnet/snetd/signers/evm"
)

// shutdownGrace bounds how long in-flight settlements may run after a stop
// signal. Runs still pending are retried at the next startup.
const shutdownGrace = 30 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the daemon: mirror Agent contract events into the ledger, serve
JSON-RPC requests on DAEMON_LISTENING_PORT and settle serviced jobs.

Example:
  snetd serve --config ./snetd.config
  BLOCKCHAIN_ENABLED=false SERVICE_METHODS=classify snetd`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, rootOpts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	cfg, logger, err := loadConfig(opts, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := snethttp.NewPassthroughClient(snethttp.PassthroughConfig{
		Endpoint: cfg.PassthroughURL,
		Enabled:  cfg.PassthroughEnabled,
	})
	if err != nil {
		return err
	}

	gatewayOpts := []snetd.GatewayOption{
		snetd.WithBackend(backend),
		snetd.WithLogger(logger),
	}

	if cfg.BlockchainEnabled {
		chainOpts, closeChain, err := buildChainComponents(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeChain()
		gatewayOpts = append(gatewayOpts, chainOpts...)
	} else {
		logger.Warn("blockchain disabled, requests are forwarded without validation")
		gatewayOpts = append(gatewayOpts, snetd.WithGatingDisabled())
	}

	gateway, err := snetd.NewGateway(cfg.ServiceMethods, gatewayOpts...)
	if err != nil {
		return err
	}
	if err := gateway.Start(ctx); err != nil {
		return err
	}

	server := snethttp.NewServer(gateway, logger)
	serveErr := server.Run(ctx, cfg.ListenAddr())

	logger.Info("shutting down")
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := gateway.Close(closeCtx); err != nil {
		logger.Warn("settlements still pending at shutdown", "error", err)
	}
	return serveErr
}

// buildChainComponents connects to the chain and opens the ledger. The returned
// func releases both.
func buildChainComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]snetd.GatewayOption, func(), error) {
	client, err := ethclient.DialContext(ctx, cfg.EthereumEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.EthereumEndpoint, err)
	}

	agentAddress, err := evm.ParseAddress(cfg.AgentContract)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	agent, err := evm.NewAgent(agentAddress, client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	signer, err := newSigner(cfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	logger.Info("loaded signing key", "address", signer.Address().Hex())

	l, err := ledger.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	synchronizer := jobs.NewSynchronizer(client, agent, l, jobs.SynchronizerConfig{
		PollInterval:     cfg.PollInterval(),
		MaxBlocksPerPoll: cfg.MaxBlocksPerPoll,
	}, logger)
	validator := jobs.NewValidator(l, agent, logger)
	submitter := jobs.NewSubmitter(client, agent, signer, jobs.SubmitterConfig{
		GasLimit:     cfg.GasLimit,
		PollInterval: cfg.PollInterval(),
	}, logger)

	closeAll := func() {
		if err := l.Close(); err != nil {
			logger.Error("failed to close ledger", "error", err)
		}
		client.Close()
	}

	return []snetd.GatewayOption{
		snetd.WithLedger(l),
		snetd.WithValidator(validator),
		snetd.WithCompleter(submitter),
		snetd.WithSynchronizer(synchronizer),
	}, closeAll, nil
}

func newSigner(cfg *config.Config) (*evmsigner.Signer, error) {
	if cfg.PrivateKey != "" {
		return evmsigner.NewSignerFromPrivateKey(cfg.PrivateKey)
	}
	return evmsigner.NewSignerFromKeystore(cfg.KeystorePath, cfg.KeystorePassphrase)
}
