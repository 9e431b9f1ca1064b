package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	sdkmath "cosmossdk.io/math"
	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/latchbridge/latchbridge/pkg/aggregator"
	"github.com/latchbridge/latchbridge/pkg/assetledger"
	"github.com/latchbridge/latchbridge/pkg/db"
	"github.com/latchbridge/latchbridge/pkg/event"
	"github.com/latchbridge/latchbridge/pkg/finality"
	"github.com/latchbridge/latchbridge/pkg/registry"
	"github.com/latchbridge/latchbridge/pkg/settlement"
	"github.com/latchbridge/latchbridge/pkg/status"
)

var (
	dataDir    *string
	statusAddr *string
	logLevel   *string

	governanceAddr *string
	relayerAddrs   *[]string
	quorum         *int

	minConfirmations *uint32
	chainFinality    *[]string

	expiryBlocks     *uint64
	settledRetention *uint64
	blockTime        *time.Duration

	assets *[]string
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run the settlement node",
	Run:   runNode,
}

func init() {
	dataDir = nodeCmd.Flags().String("dataDir", "", "Data directory (required)")
	statusAddr = nodeCmd.Flags().String("statusAddr", "[::]:6060", "Listen address for status server (disabled if blank)")
	logLevel = nodeCmd.Flags().String("logLevel", "info", "Logging level (debug, info, warn, error)")

	governanceAddr = nodeCmd.Flags().String("governance", "", "Governance address authorized to mutate the relayer set (required)")
	relayerAddrs = nodeCmd.Flags().StringSlice("relayer", nil, "Initial relayer address (repeatable); ignored when a persisted registry exists")
	quorum = nodeCmd.Flags().Int("quorum", 0, "Initial attestation quorum; ignored when a persisted registry exists")

	minConfirmations = nodeCmd.Flags().Uint32("minConfirmations", 15, "Default minimum confirmation depth before an attestation counts")
	chainFinality = nodeCmd.Flags().StringSlice("chainFinality", nil, "Per-chain confirmation override as chainID:depth (repeatable)")

	expiryBlocks = nodeCmd.Flags().Uint64("expiryBlocks", aggregator.DefaultExpiryBlocks, "Blocks before a pending vote set without quorum expires")
	settledRetention = nodeCmd.Flags().Uint64("settledRetention", aggregator.DefaultSettledRetentionBlocks, "Blocks a settled vote set is retained to absorb stragglers")
	blockTime = nodeCmd.Flags().Duration("blockTime", time.Second, "Local block interval used to derive heights from wall time")

	assets = nodeCmd.Flags().StringSlice("asset", nil, "Bridged asset as id:minBalance:maxSupply (repeatable)")
}

func runNode(cmd *cobra.Command, args []string) {
	lvl, err := zapcore.ParseLevel(*logLevel)
	if err != nil {
		fmt.Println("invalid log level:", *logLevel)
		os.Exit(1)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Println("failed to initialize logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if *dataDir == "" {
		logger.Fatal("please specify --dataDir")
	}
	if !eth_common.IsHexAddress(*governanceAddr) {
		logger.Fatal("please specify a valid --governance address")
	}
	governance := eth_common.HexToAddress(*governanceAddr)

	database := db.OpenDb(logger, dataDir)
	defer database.Close()

	reg, err := loadOrBootstrapRegistry(logger, database, governance)
	if err != nil {
		logger.Fatal("failed to initialize relayer registry", zap.Error(err))
	}

	ledger := assetledger.NewLedger()
	owner, err := event.BytesToAddress(governance.Bytes())
	if err != nil {
		logger.Fatal("failed to derive asset owner from governance address", zap.Error(err))
	}
	for _, spec := range *assets {
		id, minBalance, maxSupply, err := parseAsset(spec)
		if err != nil {
			logger.Fatal("invalid --asset", zap.String("asset", spec), zap.Error(err))
		}
		if err := ledger.CreateAsset(id, owner, minBalance, maxSupply); err != nil {
			logger.Fatal("failed to create asset", zap.Uint32("asset", id), zap.Error(err))
		}
	}

	gate := finality.NewGate(*minConfirmations)
	for _, spec := range *chainFinality {
		chain, depth, err := parseChainFinality(spec)
		if err != nil {
			logger.Fatal("invalid --chainFinality", zap.String("override", spec), zap.Error(err))
		}
		gate.SetChainMinimum(chain, depth)
	}

	heights := finality.NewWallClockHeightSource(time.Now(), *blockTime)
	engine := settlement.NewEngine(database, ledger, heights, logger)
	agg := aggregator.New(reg, gate, heights, engine, database, aggregator.Config{
		ExpiryBlocks:           *expiryBlocks,
		SettledRetentionBlocks: *settledRetention,
	}, logger)

	attC := make(chan *event.Attestation, 128)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errC := make(chan error, 2)
	go func() { errC <- agg.Run(ctx, attC) }()
	if *statusAddr != "" {
		srv := status.NewServer(*statusAddr, engine, reg, agg, attC, logger)
		go func() { errC <- srv.Run(ctx) }()
	}

	logger.Info("node up",
		zap.String("governance", governance.Hex()),
		zap.Int("relayers", reg.EnabledCount()),
		zap.Int("quorum", reg.Quorum()),
	)

	if err := <-errC; err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("node exited with error", zap.Error(err))
	}
	logger.Info("node shut down cleanly")
}

// loadOrBootstrapRegistry restores the persisted relayer set if one exists,
// otherwise seeds it from the command line and persists the result.
func loadOrBootstrapRegistry(logger *zap.Logger, database *db.Database, governance eth_common.Address) (*registry.Set, error) {
	reg := registry.NewSet(governance, logger)
	reg.OnUpdate(func(snap registry.Snapshot) {
		if err := database.StoreRelayerSnapshot(snap); err != nil {
			logger.Error("failed to persist relayer snapshot", zap.Error(err))
		}
	})

	snap, err := database.LoadRelayerSnapshot()
	switch {
	case err == nil:
		if err := reg.Restore(*snap); err != nil {
			return nil, err
		}
		logger.Info("restored relayer registry",
			zap.Int("relayers", len(snap.Relayers)),
			zap.Int("quorum", snap.Quorum),
		)
		return reg, nil

	case errors.Is(err, db.ErrSnapshotNotFound):
		if len(*relayerAddrs) == 0 {
			return nil, errors.New("no persisted registry; please specify --relayer and --quorum")
		}
		add := make([]eth_common.Address, 0, len(*relayerAddrs))
		for _, a := range *relayerAddrs {
			if !eth_common.IsHexAddress(a) {
				return nil, fmt.Errorf("invalid relayer address %q", a)
			}
			add = append(add, eth_common.HexToAddress(a))
		}
		// The OnUpdate hook persists the bootstrapped set.
		if err := reg.Apply(governance, registry.Change{Add: add, Quorum: quorum}); err != nil {
			return nil, err
		}
		logger.Info("bootstrapped relayer registry",
			zap.Int("relayers", len(add)),
			zap.Int("quorum", *quorum),
		)
		return reg, nil

	default:
		return nil, err
	}
}

func parseAsset(spec string) (uint32, sdkmath.Int, sdkmath.Int, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 3 {
		return 0, sdkmath.Int{}, sdkmath.Int{}, errors.New("expected id:minBalance:maxSupply")
	}
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, sdkmath.Int{}, sdkmath.Int{}, fmt.Errorf("invalid asset id %q", parts[0])
	}
	minBalance, ok := sdkmath.NewIntFromString(parts[1])
	if !ok || minBalance.IsNegative() {
		return 0, sdkmath.Int{}, sdkmath.Int{}, fmt.Errorf("invalid min balance %q", parts[1])
	}
	maxSupply, ok := sdkmath.NewIntFromString(parts[2])
	if !ok || !maxSupply.IsPositive() {
		return 0, sdkmath.Int{}, sdkmath.Int{}, fmt.Errorf("invalid max supply %q", parts[2])
	}
	return uint32(id), minBalance, maxSupply, nil
}

func parseChainFinality(spec string) (event.ChainID, uint32, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 2 {
		return 0, 0, errors.New("expected chainID:depth")
	}
	chain, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chain id %q", parts[0])
	}
	depth, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid depth %q", parts[1])
	}
	return event.ChainID(chain), uint32(depth), nil
}
