// Package impl implements indexer.Orchestrator: daemon lifecycle grounded
// on the teacher's EventProcessor.StartSync/StopSync context+cancel+
// closed-channel-join pattern (pkg/eventprocessor/impl/eventprocessor.go),
// generalized to drive three components (Chain Source, Reorg Detector,
// Block Processor) instead of one, plus the Handler Dispatcher.
package impl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/abiregistry"
	abiimpl "github.com/NethermindEth/starknet-indexer/pkg/abiregistry/impl"
	"github.com/NethermindEth/starknet-indexer/pkg/blockprocessor"
	blockprocessorimpl "github.com/NethermindEth/starknet-indexer/pkg/blockprocessor/impl"
	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
	chainsourceimpl "github.com/NethermindEth/starknet-indexer/pkg/chainsource/impl"
	"github.com/NethermindEth/starknet-indexer/pkg/dispatcher"
	dispatcherimpl "github.com/NethermindEth/starknet-indexer/pkg/dispatcher/impl"
	"github.com/NethermindEth/starknet-indexer/pkg/indexer"
	"github.com/NethermindEth/starknet-indexer/pkg/reorg"
	reorgimpl "github.com/NethermindEth/starknet-indexer/pkg/reorg/impl"
)

type pendingEvent struct {
	contract  *felt.Felt
	abi       abiregistry.EventABI
	composite abiregistry.CompositeDecoder
	handler   dispatcher.EventHandler
}

type subKey struct {
	contract snfelt.Key
	selector snfelt.Key
}

// Orchestrator is the indexer.Orchestrator implementation.
type Orchestrator struct {
	log zerolog.Logger
	cfg *indexer.Config

	mu            sync.Mutex
	started       bool
	pendingEvents []pendingEvent
	pendingReorg  dispatcher.ReorgHandler

	registry   abiregistry.Registry
	dispatch   dispatcher.Dispatcher
	source     chainsource.Source
	detector   reorg.Detector
	processor  blockprocessor.Processor
	subscribed map[subKey]struct{}

	daemonCtx    context.Context
	daemonCancel context.CancelFunc
	daemonDone   chan struct{}

	lastRPC atomic.Int64
	lastWS  atomic.Int64
	lastDB  atomic.Int64
}

var _ indexer.Orchestrator = (*Orchestrator)(nil)

// New builds an Orchestrator from opts. Required options (rpcNodeUrl,
// wsNodeUrl, database, chain source) are validated at Start(), not here,
// so registration can happen in any order relative to the remaining
// options.
func New(opts ...indexer.Option) (*Orchestrator, error) {
	cfg := indexer.DefaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	return &Orchestrator{
		log: logger.With().Str("component", "indexer").Logger(),
		cfg: cfg,
	}, nil
}

// OnEvent implements indexer.Orchestrator.
func (o *Orchestrator) OnEvent(contract *felt.Felt, abi abiregistry.EventABI, composite abiregistry.CompositeDecoder, handler dispatcher.EventHandler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return &indexer.ConfigurationError{Reason: "onEvent called after start()"}
	}
	o.pendingEvents = append(o.pendingEvents, pendingEvent{contract: contract, abi: abi, composite: composite, handler: handler})
	return nil
}

// OnReorg implements indexer.Orchestrator.
func (o *Orchestrator) OnReorg(handler dispatcher.ReorgHandler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return &indexer.ConfigurationError{Reason: "onReorg called after start()"}
	}
	o.pendingReorg = handler
	return nil
}

// Start implements indexer.Orchestrator, following the bootstrap contract:
// migrate, read cursor, build the ABI registry, start the chain source at
// cursor+1, then drive the loop in the background.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return &indexer.ConfigurationError{Reason: "already started"}
	}
	if err := o.validateConfig(); err != nil {
		return err
	}

	zerolog.SetGlobalLevel(o.cfg.LogLevel)

	registry := abiimpl.New()
	subscribed := make(map[subKey]struct{}, len(o.pendingEvents))
	for _, pe := range o.pendingEvents {
		if err := registry.Register(pe.contract, pe.abi, pe.composite); err != nil {
			return fmt.Errorf("registering ABI for %s: %w", pe.abi.Name, err)
		}
		selector := abiimpl.StarknetKeccak(pe.abi.Name)
		subscribed[subKey{contract: snfelt.ToKey(pe.contract), selector: snfelt.ToKey(selector)}] = struct{}{}
	}

	var webhook dispatcherimpl.WebhookSink
	if o.cfg.WebhookURL != "" {
		sink, err := dispatcherimpl.NewWebhookSink(o.cfg.WebhookURL)
		if err != nil {
			return fmt.Errorf("configuring webhook: %w", err)
		}
		webhook = sink
	}
	disp := dispatcherimpl.New(o.cfg.Store, registry, webhook)
	for _, pe := range o.pendingEvents {
		disp.RegisterEventHandler(pe.contract, pe.abi.Name, pe.handler)
	}
	if o.pendingReorg != nil {
		disp.RegisterReorgHandler(o.pendingReorg)
	}

	if err := o.cfg.Store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	o.lastDB.Store(time.Now().UnixNano())

	startAt, cursorHeader, err := o.bootstrapCursor(ctx)
	if err != nil {
		return fmt.Errorf("bootstrapping cursor: %w", err)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.SetCursorHeight(cursorHeader.Number)
	}

	source := chainsourceimpl.New(o.cfg.ChainClient, o.cfg.HeadSubscriber, startAt, o.cfg.HistoricalConcurrency)
	detector := reorgimpl.New(cursorHeader, int(o.cfg.ReorgWindow))
	processor := blockprocessorimpl.New(o.cfg.Store, registry, func(contract, selector *felt.Felt) bool {
		_, ok := subscribed[subKey{contract: snfelt.ToKey(contract), selector: snfelt.ToKey(selector)}]
		return ok
	})

	o.registry = registry
	o.dispatch = disp
	o.source = source
	o.detector = detector
	o.processor = processor
	o.subscribed = subscribed

	daemonCtx, cancel := context.WithCancel(context.Background())
	o.daemonCtx = daemonCtx
	o.daemonCancel = cancel
	o.daemonDone = make(chan struct{})
	o.started = true

	go o.run()

	o.log.Info().Uint64("start_at", startAt).Msg("orchestrator started")
	return nil
}

func (o *Orchestrator) validateConfig() error {
	switch {
	case o.cfg.RPCNodeURL == "":
		return &indexer.ConfigurationError{Reason: "rpcNodeUrl is required"}
	case o.cfg.WSNodeURL == "":
		return &indexer.ConfigurationError{Reason: "wsNodeUrl is required"}
	case o.cfg.Store == nil:
		return &indexer.ConfigurationError{Reason: "database adapter is required"}
	case o.cfg.ChainClient == nil || o.cfg.HeadSubscriber == nil:
		return &indexer.ConfigurationError{Reason: "chain source (rpc client + head subscriber) is required"}
	}
	return nil
}

// bootstrapCursor implements §4.G step 2: read the persisted cursor; if
// absent, seed from startingBlockNumber (or the live head, minus one, for
// "latest"). Returns the block number the chain source should resume
// after, and the header the reorg detector should seed its cursor with.
func (o *Orchestrator) bootstrapCursor(ctx context.Context) (uint64, reorg.Header, error) {
	cursor, err := o.cfg.Store.GetCursor(ctx)
	if err != nil {
		return 0, reorg.Header{}, err
	}
	if cursor != nil {
		return cursor.LastCommittedBlockNumber, reorg.Header{
			Number: cursor.LastCommittedBlockNumber,
			Hash:   cursor.LastCommittedBlockHash,
		}, nil
	}

	// No cursor yet: seed the detector's cursor hash with the zero felt,
	// the conventional parent hash of a chain's first block, so the first
	// accepted candidate's parent-hash check has something to compare
	// against.
	if o.cfg.StartingBlock.Latest {
		head, err := o.cfg.ChainClient.BlockNumber(ctx)
		if err != nil {
			return 0, reorg.Header{}, err
		}
		o.lastRPC.Store(time.Now().UnixNano())
		if head == 0 {
			return 0, reorg.Header{Hash: &felt.Zero}, nil
		}
		return head - 1, reorg.Header{Number: head - 1, Hash: &felt.Zero}, nil
	}

	n := o.cfg.StartingBlock.Number
	if n == 0 {
		return 0, reorg.Header{Hash: &felt.Zero}, nil
	}
	return n - 1, reorg.Header{Number: n - 1, Hash: &felt.Zero}, nil
}

// Stop implements indexer.Orchestrator.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}
	o.log.Debug().Msg("stopping orchestrator")
	o.daemonCancel()
	<-o.daemonDone
	o.started = false
	o.log.Debug().Msg("orchestrator stopped")
}

// HealthCheck implements indexer.Orchestrator.
func (o *Orchestrator) HealthCheck() indexer.HealthStatus {
	now := time.Now()
	recent := func(unixNano int64) bool {
		if unixNano == 0 {
			return false
		}
		return now.Sub(time.Unix(0, unixNano)) <= indexer.HealthWindow
	}
	return indexer.HealthStatus{
		RPC:      recent(o.lastRPC.Load()),
		WS:       recent(o.lastWS.Load()),
		Database: recent(o.lastDB.Load()),
	}
}

// run is the background daemon: candidate -> directive -> apply ->
// dispatch, per §4.G step 5. Halts (closing daemonDone) on any error
// returned by the chain source, the detector or the processor — e.g. a
// chain-source fetch error, DeepReorgError, FatalStorageError or exhausted
// TransientStorageError retries — or on context cancellation from Stop().
func (o *Orchestrator) run() {
	defer close(o.daemonDone)
	ctx := o.daemonCtx

	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("orchestrator run loop canceled")
			return
		default:
		}

		candidate, err := o.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Error().Err(err).Msg("chain source failed, halting pipeline")
			return
		}
		o.lastWS.Store(time.Now().UnixNano())
		o.lastRPC.Store(time.Now().UnixNano())

		directive, err := o.detector.Decide(candidate.Header, o.ancestorAt(ctx))
		if err != nil {
			o.log.Error().Err(err).Msg("reorg detector failed, halting pipeline")
			return
		}

		switch directive.Kind {
		case reorg.Accept:
			applyStart := time.Now()
			applied, err := o.processor.ApplyAccept(ctx, candidate)
			if err != nil {
				o.log.Error().Err(err).Uint64("block_number", candidate.Header.Number).Msg("block processor failed, halting pipeline")
				return
			}
			o.lastDB.Store(time.Now().UnixNano())
			if m := o.cfg.Metrics; m != nil {
				m.BlockApplyLatency.Record(ctx, time.Since(applyStart).Milliseconds())
				m.SetCursorHeight(applied.Block.Number)
				decoded := int64(len(applied.Events))
				m.EventsDecodedCounter.Add(ctx, decoded)
				if dropped := int64(len(candidate.Events)) - decoded; dropped > 0 {
					m.EventsDroppedCounter.Add(ctx, dropped)
				}
			}
			if err := o.dispatch.DispatchAccept(ctx, applied); err != nil {
				o.log.Error().Err(err).Msg("dispatch failed")
			}
		case reorg.Reorg:
			applyStart := time.Now()
			applied, err := o.processor.ApplyReorg(ctx, directive.FromBlock, directive.OldHash, o.newTipAt)
			if err != nil {
				o.log.Error().Err(err).Uint64("from_block", directive.FromBlock).Msg("reorg rollback failed, halting pipeline")
				return
			}
			o.lastDB.Store(time.Now().UnixNano())
			o.detector.Reset(applied.NewTip)
			// Re-drive the chain source from the fork point: the detector
			// expects candidates starting at FromBlock to be re-fetched
			// (§4.D), and the live subscription must not assume it can keep
			// advancing from the pre-reorg cursor.
			o.source.Rewind(directive.FromBlock)
			if m := o.cfg.Metrics; m != nil {
				m.BlockApplyLatency.Record(ctx, time.Since(applyStart).Milliseconds())
				m.SetCursorHeight(applied.NewTip.Number)
				m.ReorgCounter.Add(ctx, 1)
			}
			if err := o.dispatch.DispatchReorg(ctx, applied); err != nil {
				o.log.Error().Err(err).Msg("reorg dispatch failed")
			}
		}
	}
}

func (o *Orchestrator) ancestorAt(ctx context.Context) reorg.AncestorFetcher {
	return func(number uint64) (reorg.Header, error) {
		start := time.Now()
		h, err := o.cfg.ChainClient.BlockHeaderByNumber(ctx, number)
		if err == nil {
			o.lastRPC.Store(time.Now().UnixNano())
			if m := o.cfg.Metrics; m != nil {
				m.RecordRPCCallLatency(ctx, "block_header_by_number", time.Since(start).Milliseconds())
			}
		}
		return h, err
	}
}

func (o *Orchestrator) newTipAt(ctx context.Context, number uint64) (reorg.Header, error) {
	start := time.Now()
	h, err := o.cfg.ChainClient.BlockHeaderByNumber(ctx, number)
	if err == nil {
		o.lastRPC.Store(time.Now().UnixNano())
		if m := o.cfg.Metrics; m != nil {
			m.RecordRPCCallLatency(ctx, "block_header_by_number", time.Since(start).Milliseconds())
		}
	}
	return h, err
}
