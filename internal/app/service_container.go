package app

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rollup-sequencer/internal/clients"
	"rollup-sequencer/internal/config"
	"rollup-sequencer/internal/handlers"
	"rollup-sequencer/internal/repository"
	"rollup-sequencer/internal/router"
	"rollup-sequencer/internal/services"
	"rollup-sequencer/internal/types"
	"rollup-sequencer/internal/worldstate"
)

// ServiceContainer owns every long lived component of the sequencer
type ServiceContainer struct {
	Config *config.Config
	Logger *logrus.Logger

	// Storage
	DB           *gorm.DB
	RollupDb     repository.RollupDb
	WorldStateDb *worldstate.WorldStateDb

	// Clients
	ProverClient *clients.ProverClient
	Signer       *clients.PrivateKeySigner
	Blockchain   *clients.RollupContractClient
	NATSClient   *clients.NATSClient

	// Pipeline
	Validator         *services.WorldStateValidator
	FeeResolver       *services.GasFeeResolver
	RollupCreator     *services.RollupCreator
	ClaimProofCreator *services.ClaimProofCreator
	RollupPublisher   *services.RollupPublisher
	RollupAggregator  *services.RollupAggregator
	Coordinator       *services.PipelineCoordinator
	WorldState        *services.WorldState
	TxService         *services.TxService
	Monitoring        *services.MonitoringService

	Router *gin.Engine
	server *http.Server
}

// NewServiceContainer wires the sequencer on top of an open database
func NewServiceContainer(ctx context.Context, cfg *config.Config, gdb *gorm.DB, logger *logrus.Logger) (*ServiceContainer, error) {
	log.Println("🚀 Initializing Service Container...")
	c := &ServiceContainer{
		Config:   cfg,
		Logger:   logger,
		DB:       gdb,
		RollupDb: repository.NewRollupRepository(gdb),
	}

	if err := c.initClients(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := c.initPipeline(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	c.initRouter()

	log.Println("✅ Service Container initialized successfully")
	return c, nil
}

func (c *ServiceContainer) initClients(ctx context.Context) error {
	log.Println("🔧 Initializing clients...")

	ws, err := worldstate.NewWorldStateDb(c.Config.WorldState.Path)
	if err != nil {
		return err
	}
	c.WorldStateDb = ws

	c.ProverClient = clients.NewProverClient(c.Config.Prover)

	c.Signer, err = clients.NewPrivateKeySigner(c.Config.Blockchain.PrivateKey)
	if err != nil {
		return err
	}
	log.Printf("🔑 [ServiceContainer] Sequencer address: %s", c.Signer.Address().Hex())

	c.Blockchain, err = clients.NewRollupContractClient(ctx, c.Config.Blockchain, c.Signer)
	if err != nil {
		return err
	}

	if c.Config.NATS.URL != "" {
		c.NATSClient, err = clients.NewNATSClient(c.Config.NATS)
		if err != nil {
			return err
		}
	} else {
		log.Printf("⚠️ [ServiceContainer] NATS URL not configured, block events disabled")
	}
	return nil
}

func (c *ServiceContainer) initPipeline(ctx context.Context) error {
	log.Println("🔧 Initializing pipeline...")
	seq := c.Config.Sequencer

	feeLimit, ok := new(big.Int).SetString(seq.FeeLimit, 10)
	if !ok {
		return fmt.Errorf("invalid fee limit %q", seq.FeeLimit)
	}
	feeReceiver := c.Signer.Address()
	if seq.FeeReceiver != "" {
		if !common.IsHexAddress(seq.FeeReceiver) {
			return fmt.Errorf("invalid fee receiver %q", seq.FeeReceiver)
		}
		feeReceiver = common.HexToAddress(seq.FeeReceiver)
	}

	c.FeeResolver = services.NewGasFeeResolver(c.feeGasPrice(ctx), seq.GasPerRollup, seq.BaseTxGas)
	c.Validator = services.NewWorldStateValidator(c.RollupDb, c.WorldStateDb, c.Blockchain, c.Logger)
	c.RollupCreator = services.NewRollupCreator(c.RollupDb, c.WorldStateDb, c.ProverClient, seq.InnerRollupTxs, c.Logger)
	c.ClaimProofCreator = services.NewClaimProofCreator(c.RollupDb, c.WorldStateDb, c.ProverClient, c.Logger)
	c.RollupPublisher = services.NewRollupPublisher(c.RollupDb, c.Blockchain, c.Signer, feeReceiver, feeLimit,
		seq.MinPublishSpacing, seq.RetryInterval, c.Logger)
	c.RollupAggregator = services.NewRollupAggregator(c.RollupDb, c.WorldStateDb, c.ProverClient, c.RollupPublisher,
		seq.InnerRollupTxs, seq.OuterRollupProofs, seq.NumBridgeCallsPerBlock, c.Logger)
	c.Coordinator = services.NewPipelineCoordinator(
		c.RollupCreator,
		c.RollupAggregator,
		c.RollupPublisher,
		c.ClaimProofCreator,
		c.Validator,
		c.RollupDb,
		c.WorldStateDb,
		c.FeeResolver,
		services.CoordinatorConfig{
			InnerRollupTxs:         seq.InnerRollupTxs,
			OuterRollupProofs:      seq.OuterRollupProofs,
			PublishInterval:        seq.PublishInterval,
			NumBridgeCallsPerBlock: seq.NumBridgeCallsPerBlock,
			CycleInterval:          seq.CycleInterval,
		},
		c.Logger,
	)

	var events services.SettledEventPublisher
	if c.NATSClient != nil {
		events = c.NATSClient
	}
	c.WorldState = services.NewWorldState(c.RollupDb, c.WorldStateDb, c.Coordinator, c.Validator, events,
		seq.NumBridgeCallsPerBlock, seq.RetryInterval, c.Logger)
	c.TxService = services.NewTxService(c.RollupDb, c.Validator, c.FeeResolver, c.Logger)
	c.Monitoring = services.NewMonitoringService(c.DB, c.Blockchain)
	return nil
}

func (c *ServiceContainer) initRouter() {
	c.Router = router.SetupRouter(c.Config, router.Handlers{
		Tx:     handlers.NewTxHandler(c.TxService, c.RollupDb, c.Logger),
		Status: handlers.NewStatusHandler(c.Coordinator, c.RollupDb, c.Logger),
	}, c.Logger)
}

// Start brings up the world state, the block subscription and the HTTP server
func (c *ServiceContainer) Start(ctx context.Context) error {
	if err := c.WorldState.Start(ctx); err != nil {
		return fmt.Errorf("failed to start world state: %w", err)
	}

	if c.NATSClient != nil {
		err := c.NATSClient.SubscribeToBlocks(func(block *types.Block) error {
			return c.WorldState.HandleBlock(ctx, block)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to blocks: %w", err)
		}
	}

	c.Monitoring.Start()

	addr := fmt.Sprintf("%s:%d", c.Config.Server.Host, c.Config.Server.Port)
	c.server = &http.Server{
		Addr:              addr,
		Handler:           c.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("🌐 [ServiceContainer] HTTP server listening on %s", addr)
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.Logger.WithError(err).Error("❌ HTTP server stopped")
		}
	}()
	return nil
}

// Shutdown stops accepting requests and events, then stops the pipeline
func (c *ServiceContainer) Shutdown(ctx context.Context) {
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			c.Logger.WithError(err).Warn("⚠️ HTTP server shutdown")
		}
	}
	if c.NATSClient != nil {
		c.NATSClient.Close()
		c.NATSClient = nil
	}
	if c.WorldState != nil {
		c.WorldState.Stop()
	}
	if c.Monitoring != nil {
		c.Monitoring.Stop()
	}
	c.Close()
}

// Close releases clients and storage. It is safe to call more than once.
func (c *ServiceContainer) Close() {
	if c.NATSClient != nil {
		c.NATSClient.Close()
		c.NATSClient = nil
	}
	if c.Blockchain != nil {
		c.Blockchain.Close()
		c.Blockchain = nil
	}
	if c.WorldStateDb != nil {
		if err := c.WorldStateDb.Close(); err != nil {
			log.Printf("⚠️ [ServiceContainer] Failed to close world state: %v", err)
		}
		c.WorldStateDb = nil
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			sqlDB.Close()
		}
		c.DB = nil
	}
}

// feeGasPrice is the gas price txs are rated against, read once at startup.
// If the chain cannot be asked the resolver assumes 1 gwei.
func (c *ServiceContainer) feeGasPrice(ctx context.Context) *big.Int {
	price, err := c.Blockchain.GasPrice(ctx)
	if err != nil || price.Sign() <= 0 {
		log.Printf("⚠️ [ServiceContainer] Gas price unavailable (%v), rating fees at 1 gwei", err)
		return big.NewInt(1_000_000_000)
	}
	log.Printf("⛽ [ServiceContainer] Rating fees at gas price %s wei", price)
	return price
}
