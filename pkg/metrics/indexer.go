package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.uber.org/atomic"
)

// Indexer holds the instruments an Orchestrator updates as it runs,
// generalizing the teacher's per-EventProcessor/EventFeed instrument set
// (pkg/eventprocessor/impl/metrics.go, eventfeed/impl/metrics.go) from
// one-chain-at-a-time Ethereum ingestion to this repository's block/reorg
// pipeline.
type Indexer struct {
	baseAttrs []attribute.KeyValue

	cursorHeight atomic.Int64

	BlockApplyLatency    instrument.Int64Histogram
	RPCCallLatency       instrument.Int64Histogram
	EventsDecodedCounter instrument.Int64Counter
	EventsDroppedCounter instrument.Int64Counter
	ReorgCounter         instrument.Int64Counter
}

// NewIndexer registers the indexer instrument set against the global
// meter provider. serviceName plus whatever SetupInstrumentation already
// put in BaseAttrs are attached to the cursor gauge and to
// RecordRPCCallLatency; the other instruments carry whatever attributes
// their callers pass.
func NewIndexer(serviceName string) (*Indexer, error) {
	meter := global.MeterProvider().Meter("starknet_indexer")
	m := &Indexer{
		baseAttrs: append([]attribute.KeyValue{attribute.String("service_name", serviceName)}, BaseAttrs...),
	}

	cursorHeight, err := meter.Int64ObservableGauge("starknet_indexer.cursor.height")
	if err != nil {
		return nil, fmt.Errorf("creating cursor height gauge: %s", err)
	}
	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(cursorHeight, m.cursorHeight.Load(), m.baseAttrs...)
			return nil
		},
		[]instrument.Asynchronous{cursorHeight}...,
	)
	if err != nil {
		return nil, fmt.Errorf("registering cursor height callback: %s", err)
	}

	if m.BlockApplyLatency, err = meter.Int64Histogram("starknet_indexer.block.apply.latency"); err != nil {
		return nil, fmt.Errorf("creating block apply latency instrument: %s", err)
	}
	if m.RPCCallLatency, err = meter.Int64Histogram("starknet_indexer.rpc.call.latency"); err != nil {
		return nil, fmt.Errorf("creating rpc call latency instrument: %s", err)
	}
	if m.EventsDecodedCounter, err = meter.Int64Counter("starknet_indexer.events.decoded.count"); err != nil {
		return nil, fmt.Errorf("creating events decoded counter: %s", err)
	}
	if m.EventsDroppedCounter, err = meter.Int64Counter("starknet_indexer.events.dropped.count"); err != nil {
		return nil, fmt.Errorf("creating events dropped counter: %s", err)
	}
	if m.ReorgCounter, err = meter.Int64Counter("starknet_indexer.reorg.count"); err != nil {
		return nil, fmt.Errorf("creating reorg counter: %s", err)
	}

	return m, nil
}

// SetCursorHeight updates the async cursor-height gauge. Safe for
// concurrent use.
func (m *Indexer) SetCursorHeight(height uint64) {
	m.cursorHeight.Store(int64(height))
}

// RecordRPCCallLatency records a single RPC call's latency, tagged by op
// (e.g. "block_with_receipts", "block_number") for per-call-category
// breakdown.
func (m *Indexer) RecordRPCCallLatency(ctx context.Context, op string, millis int64) {
	attrs := append(append([]attribute.KeyValue{}, m.baseAttrs...), attribute.String("op", op))
	m.RPCCallLatency.Record(ctx, millis, attrs...)
}
