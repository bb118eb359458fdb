// Package impl implements dispatcher.Dispatcher: sequential per-block
// dispatch in event_index order with per-handler failure isolation, plus
// an optional webhook notification sink grounded on the teacher's
// pkg/eventprocessor/impl/webhook.go Webhook interface.
package impl

import (
	"context"
	"sort"
	"sync"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/abiregistry"
	"github.com/NethermindEth/starknet-indexer/pkg/blockprocessor"
	"github.com/NethermindEth/starknet-indexer/pkg/dispatcher"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
)

type handlerKey struct {
	contract snfelt.Key
	name     string
}

// Dispatcher is the dispatcher.Dispatcher implementation.
type Dispatcher struct {
	log zerolog.Logger

	store    persistence.Store
	registry abiregistry.Registry
	webhook  WebhookSink

	mu            sync.RWMutex
	eventHandlers map[handlerKey]dispatcher.EventHandler
	reorgHandler  dispatcher.ReorgHandler
}

var _ dispatcher.Dispatcher = (*Dispatcher)(nil)

// New returns a Dispatcher resolving event names via registry and giving
// handlers their own transaction scope over store. webhook may be nil to
// disable webhook notifications.
func New(store persistence.Store, registry abiregistry.Registry, webhook WebhookSink) *Dispatcher {
	return &Dispatcher{
		log:           logger.With().Str("component", "dispatcher").Logger(),
		store:         store,
		registry:      registry,
		webhook:       webhook,
		eventHandlers: make(map[handlerKey]dispatcher.EventHandler),
	}
}

// RegisterEventHandler implements dispatcher.Dispatcher.
func (d *Dispatcher) RegisterEventHandler(contract *felt.Felt, eventName string, handler dispatcher.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.eventHandlers[handlerKey{contract: snfelt.ToKey(contract), name: eventName}] = handler
}

// RegisterReorgHandler implements dispatcher.Dispatcher.
func (d *Dispatcher) RegisterReorgHandler(handler dispatcher.ReorgHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reorgHandler = handler
}

// DispatchAccept implements dispatcher.Dispatcher.
func (d *Dispatcher) DispatchAccept(ctx context.Context, applied *blockprocessor.AppliedBlock) error {
	events := make([]persistence.Event, len(applied.Events))
	copy(events, applied.Events)
	sort.Slice(events, func(i, j int) bool { return events[i].EventIndex < events[j].EventIndex })

	matched := 0
	for _, ev := range events {
		if len(ev.Keys) == 0 {
			continue
		}
		selector := ev.Keys[0]
		abi, err := d.registry.Lookup(ev.ContractAddress, selector)
		if err != nil {
			continue // no ABI registered, so no handler could possibly be keyed to it
		}

		d.mu.RLock()
		handler, ok := d.eventHandlers[handlerKey{contract: snfelt.ToKey(ev.ContractAddress), name: abi.Name}]
		d.mu.RUnlock()
		if !ok {
			continue
		}

		matched++
		d.invokeEventHandler(ctx, handler, dispatcher.DecodedEvent{
			ContractAddress: ev.ContractAddress,
			EventName:       abi.Name,
			BlockNumber:     ev.BlockNumber,
			TxHash:          ev.TxHash,
			EventIndex:      ev.EventIndex,
			Keys:            ev.Keys,
			Data:            ev.Data,
			Decoded:         ev.Decoded,
		})
	}

	if d.webhook != nil {
		if err := d.webhook.Send(ctx, WebhookNotification{
			BlockNumber:  applied.Block.Number,
			MatchedCount: matched,
		}); err != nil {
			d.log.Warn().Err(err).Uint64("block_number", applied.Block.Number).Msg("webhook send failed")
		}
	}
	return nil
}

// DispatchReorg implements dispatcher.Dispatcher.
func (d *Dispatcher) DispatchReorg(ctx context.Context, applied *blockprocessor.AppliedReorg) error {
	d.mu.RLock()
	handler := d.reorgHandler
	d.mu.RUnlock()

	if handler != nil {
		d.invokeReorgHandler(ctx, handler, dispatcher.ForkedBlock{
			Number: applied.ForkPoint,
			Hash:   applied.ForkPointHash,
		})
	}

	if d.webhook != nil {
		if err := d.webhook.Send(ctx, WebhookNotification{
			BlockNumber: applied.NewTip.Number,
			Reorg:       true,
		}); err != nil {
			d.log.Warn().Err(err).Msg("webhook send failed")
		}
	}
	return nil
}

// invokeEventHandler runs handler with panic recovery: a misbehaving
// handler must never take down the pipeline (spec §4.F).
func (d *Dispatcher) invokeEventHandler(ctx context.Context, handler dispatcher.EventHandler, event dispatcher.DecodedEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Interface("panic", r).
				Uint64("block_number", event.BlockNumber).
				Int("event_index", event.EventIndex).
				Msg("event handler panicked")
		}
	}()
	if err := handler(ctx, dispatcher.HandlerContext{Store: d.store}, event); err != nil {
		d.log.Error().
			Err(err).
			Str("event", event.EventName).
			Uint64("block_number", event.BlockNumber).
			Int("event_index", event.EventIndex).
			Msg("event handler failed")
	}
}

func (d *Dispatcher) invokeReorgHandler(ctx context.Context, handler dispatcher.ReorgHandler, forked dispatcher.ForkedBlock) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Uint64("fork_point", forked.Number).Msg("reorg handler panicked")
		}
	}()
	if err := handler(ctx, dispatcher.HandlerContext{Store: d.store}, forked); err != nil {
		d.log.Error().Err(err).Uint64("fork_point", forked.Number).Msg("reorg handler failed")
	}
}
