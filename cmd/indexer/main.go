// Command indexer is the daemon binary wiring every ingestion-engine
// component (pkg/indexer, pkg/chainsource, pkg/reorg, pkg/blockprocessor,
// pkg/dispatcher, pkg/abiregistry, pkg/persistence) into a runnable
// Starknet indexer, configured from a JSON file plus environment
// variables per spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NethermindEth/starknet-indexer/buildinfo"
	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/abiregistry"
	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
	chainsourcerpc "github.com/NethermindEth/starknet-indexer/pkg/chainsource/rpc"
	"github.com/NethermindEth/starknet-indexer/pkg/dispatcher"
	"github.com/NethermindEth/starknet-indexer/pkg/indexer"
	indexerimpl "github.com/NethermindEth/starknet-indexer/pkg/indexer/impl"
	"github.com/NethermindEth/starknet-indexer/pkg/logging"
	"github.com/NethermindEth/starknet-indexer/pkg/metrics"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence/postgres"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence/sqlite"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "indexer",
	Short:   "indexer ingests a Starknet chain and dispatches decoded events to handlers",
	Long:    `indexer subscribes to a Starknet chain's live head, backfills history, and persists decoded contract events, reconciling reorgs as it goes.`,
	Version: buildinfo.Summary(),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "starts the indexer daemon and blocks until SIGINT/SIGTERM",
	Run:   runRun,
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "prints the configured rpc, ws, database and metrics settings",
	Run:   runHealthcheck,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&defaultDir, "dir", defaultDir, "directory where config.json and the default sqlite database live")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healthcheckCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("executing command")
	}
}

func runRun(_ *cobra.Command, _ []string) {
	cfg, dirPath := setupConfig()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("parsing logLevel")
	}
	logging.SetupLogger(buildinfo.Summary(), level, cfg.Log.Human)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var indexerMetrics *metrics.Indexer
	if cfg.Metrics.Enabled {
		if _, err := metrics.SetupInstrumentation(ctx, cfg.Metrics.Addr, "starknet-indexer"); err != nil {
			log.Fatal().Err(err).Msg("setting up instrumentation")
		}
		indexerMetrics, err = metrics.NewIndexer("starknet-indexer")
		if err != nil {
			log.Fatal().Err(err).Msg("creating indexer instrument set")
		}
	}

	store, err := openStore(ctx, cfg.Database, dirPath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening persistence store")
	}

	rpcClient, err := chainsourcerpc.Dial(cfg.RPCNodeURL)
	if err != nil {
		log.Fatal().Err(err).Msg("dialing rpc node")
	}
	headSubscriber := chainsourcerpc.NewHeadSubscriber(cfg.WSNodeURL)

	opts := []indexer.Option{
		indexer.WithRPCNodeURL(cfg.RPCNodeURL),
		indexer.WithWSNodeURL(cfg.WSNodeURL),
		indexer.WithStore(store),
		indexer.WithChainSource(rpcClient, headSubscriber),
		indexer.WithLogLevel(cfg.LogLevel),
		indexer.WithHistoricalConcurrency(cfg.HistoricalConcurrency),
		indexer.WithReorgWindow(cfg.ReorgWindow),
	}
	if cfg.StartingBlockNumber == "latest" {
		opts = append(opts, indexer.WithStartingBlockLatest())
	} else {
		n, err := parseStartingBlock(cfg.StartingBlockNumber)
		if err != nil {
			log.Fatal().Err(err).Msg("parsing startingBlockNumber")
		}
		opts = append(opts, indexer.WithStartingBlockNumber(n))
	}
	if cfg.WebhookURL != "" {
		opts = append(opts, indexer.WithWebhookURL(cfg.WebhookURL))
	}
	if indexerMetrics != nil {
		opts = append(opts, indexer.WithMetrics(indexerMetrics))
	}

	orch, err := indexerimpl.New(opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("building orchestrator")
	}

	for _, sub := range cfg.Subscriptions {
		if err := registerSubscription(orch, sub); err != nil {
			log.Fatal().Err(err).Str("event", sub.EventName).Msg("registering subscription")
		}
	}

	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("starting orchestrator")
	}
	log.Info().Msg("indexer running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	orch.Stop()
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("closing persistence store")
	}
}

func runHealthcheck(_ *cobra.Command, _ []string) {
	// The daemon's liveness is observable externally via its Prometheus
	// endpoint (starknet_indexer.cursor.height plus the runtime gauges);
	// this subcommand is a thin operator convenience that reports the
	// locally-configured endpoints rather than dialing a remote process,
	// since HealthCheck() is an in-process Orchestrator method with no
	// network surface of its own.
	cfg, _ := setupConfig()
	fmt.Printf("rpcNodeUrl=%s wsNodeUrl=%s database=%s metricsAddr=%s\n",
		cfg.RPCNodeURL, cfg.WSNodeURL, cfg.Database.Driver, cfg.Metrics.Addr)
}

func openStore(ctx context.Context, dbCfg DatabaseConfig, dirPath string) (persistence.Store, error) {
	switch dbCfg.Driver {
	case "postgres":
		return postgres.New(ctx, dbCfg.DSN)
	case "sqlite", "":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("file:%s/indexer.db?_busy_timeout=5000&_journal_mode=WAL", dirPath)
		}
		return sqlite.New(dsn)
	default:
		return nil, fmt.Errorf("unrecognized database driver %q", dbCfg.Driver)
	}
}

func registerSubscription(orch indexer.Orchestrator, sub SubscriptionConfig) error {
	contract, err := snfelt.FromHex(sub.ContractAddress)
	if err != nil {
		return fmt.Errorf("parsing contractAddress: %w", err)
	}

	abi := abiregistry.EventABI{Name: sub.EventName}
	for _, f := range sub.Fields {
		kind := abiregistry.DataField
		if f.Kind == "key" {
			kind = abiregistry.KeyField
		}
		abi.Fields = append(abi.Fields, abiregistry.Field{Name: f.Name, Kind: kind, Type: f.Type})
	}

	handler := func(_ context.Context, _ dispatcher.HandlerContext, event dispatcher.DecodedEvent) error {
		log.Info().
			Str("contract", snfelt.Hex(event.ContractAddress)).
			Str("event", event.EventName).
			Uint64("block_number", event.BlockNumber).
			Int("event_index", event.EventIndex).
			Interface("decoded", event.Decoded).
			Msg("event dispatched")
		return nil
	}

	return orch.OnEvent(contract, abi, nil, handler)
}

func parseStartingBlock(s string) (uint64, error) {
	var n uint64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("startingBlockNumber must be a non-negative integer or \"latest\": %w", err)
	}
	return n, nil
}

var _ chainsource.ChainClient = (*chainsourcerpc.Client)(nil)
