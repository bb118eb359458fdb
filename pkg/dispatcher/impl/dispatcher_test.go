package impl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/stretchr/testify/require"

	"github.com/NethermindEth/starknet-indexer/pkg/abiregistry"
	abiimpl "github.com/NethermindEth/starknet-indexer/pkg/abiregistry/impl"
	"github.com/NethermindEth/starknet-indexer/pkg/blockprocessor"
	"github.com/NethermindEth/starknet-indexer/pkg/dispatcher"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence"
	"github.com/NethermindEth/starknet-indexer/pkg/persistence/sqlite"
	"github.com/NethermindEth/starknet-indexer/pkg/testutil"
)

func newTestDispatcher(t *testing.T, webhook WebhookSink) (*Dispatcher, *abiimpl.Registry) {
	t.Helper()
	store, err := sqlite.New("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	registry := abiimpl.New()
	return New(store, registry, webhook), registry
}

// nameOnlyABI registers name with no fields, sufficient for dispatch
// routing tests that don't exercise decoding.
func nameOnlyABI(name string) abiregistry.EventABI {
	return abiregistry.EventABI{Name: name}
}

func keysFor(name string) []*felt.Felt {
	return []*felt.Felt{abiimpl.StarknetKeccak(name)}
}

func TestDispatchAcceptInvokesRegisteredHandlerInEventIndexOrder(t *testing.T) {
	d, registry := newTestDispatcher(t, nil)
	contract := testutil.FeltHex("0xaaa")
	require.NoError(t, registry.Register(contract, nameOnlyABI("Transfer"), nil))

	var order []int
	d.RegisterEventHandler(contract, "Transfer", func(ctx context.Context, hctx dispatcher.HandlerContext, event dispatcher.DecodedEvent) error {
		order = append(order, event.EventIndex)
		return nil
	})

	applied := &blockprocessor.AppliedBlock{
		Block: persistence.Block{Number: 10},
		Events: []persistence.Event{
			{ContractAddress: contract, EventIndex: 2, Keys: keysFor("Transfer")},
			{ContractAddress: contract, EventIndex: 0, Keys: keysFor("Transfer")},
			{ContractAddress: contract, EventIndex: 1, Keys: keysFor("Transfer")},
		},
	}
	err := d.DispatchAccept(context.Background(), applied)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestDispatchAcceptIsolatesHandlerFailure(t *testing.T) {
	d, registry := newTestDispatcher(t, nil)
	contract := testutil.FeltHex("0xbbb")
	require.NoError(t, registry.Register(contract, nameOnlyABI("Mint"), nil))

	calls := 0
	d.RegisterEventHandler(contract, "Mint", func(ctx context.Context, hctx dispatcher.HandlerContext, event dispatcher.DecodedEvent) error {
		calls++
		switch event.EventIndex {
		case 0:
			return errors.New("boom")
		case 1:
			panic("also boom")
		}
		return nil
	})

	applied := &blockprocessor.AppliedBlock{
		Block: persistence.Block{Number: 11},
		Events: []persistence.Event{
			{ContractAddress: contract, EventIndex: 0, Keys: keysFor("Mint")},
			{ContractAddress: contract, EventIndex: 1, Keys: keysFor("Mint")},
			{ContractAddress: contract, EventIndex: 2, Keys: keysFor("Mint")},
		},
	}
	err := d.DispatchAccept(context.Background(), applied)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDispatchAcceptSkipsEventsWithoutRegisteredHandler(t *testing.T) {
	d, registry := newTestDispatcher(t, nil)
	contract := testutil.FeltHex("0xddd")
	require.NoError(t, registry.Register(contract, nameOnlyABI("Burn"), nil))
	// No handler registered for Burn.

	applied := &blockprocessor.AppliedBlock{
		Block: persistence.Block{Number: 13},
		Events: []persistence.Event{
			{ContractAddress: contract, EventIndex: 0, Keys: keysFor("Burn")},
		},
	}
	require.NoError(t, d.DispatchAccept(context.Background(), applied))
}

func TestDispatchAcceptPostsWebhookSummary(t *testing.T) {
	var received WebhookNotification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, registry := newTestDispatcher(t, &GenericWebhookSink{URL: srv.URL})
	contract := testutil.FeltHex("0xccc")
	require.NoError(t, registry.Register(contract, nameOnlyABI("Approve"), nil))

	applied := &blockprocessor.AppliedBlock{
		Block: persistence.Block{Number: 12},
		Events: []persistence.Event{
			{ContractAddress: contract, EventIndex: 0, Keys: keysFor("Approve")},
		},
	}
	require.NoError(t, d.DispatchAccept(context.Background(), applied))
	require.Equal(t, uint64(12), received.BlockNumber)
	require.Equal(t, 1, received.MatchedCount)
}

func TestDispatchReorgInvokesReorgHandler(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	var gotForkPoint uint64
	d.RegisterReorgHandler(func(ctx context.Context, hctx dispatcher.HandlerContext, forked dispatcher.ForkedBlock) error {
		gotForkPoint = forked.Number
		return nil
	})

	applied := &blockprocessor.AppliedReorg{ForkPoint: 5, RemovedCount: 2}
	applied.NewTip.Number = 4
	require.NoError(t, d.DispatchReorg(context.Background(), applied))
	// The reorg handler receives the first rolled-back block (the fork
	// point), not the last-still-canonical NewTip (§9 Open Question 1).
	require.Equal(t, uint64(5), gotForkPoint)
}
