// Package rpc adapts github.com/NethermindEth/starknet.go/rpc's
// *rpc.Provider into chainsource.ChainClient — the historical-paging
// external collaborator named in §1, consumed here rather than
// reimplemented: this file never talks HTTP or JSON-RPC itself, it only
// reshapes what *rpc.Provider already returns into the package's own
// types.
package rpc

import (
	"context"
	"fmt"

	"github.com/NethermindEth/juno/core/felt"
	starknetrpc "github.com/NethermindEth/starknet.go/rpc"

	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
	"github.com/NethermindEth/starknet-indexer/pkg/reorg"
)

// Client implements chainsource.ChainClient over a starknet.go JSON-RPC
// provider.
type Client struct {
	provider *starknetrpc.Provider
}

var _ chainsource.ChainClient = (*Client)(nil)

// Dial opens a JSON-RPC connection to a Starknet node.
func Dial(rpcURL string) (*Client, error) {
	provider, err := starknetrpc.NewProvider(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing starknet rpc endpoint: %w", err)
	}
	return &Client{provider: provider}, nil
}

// BlockNumber implements chainsource.ChainClient.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.provider.BlockNumber(ctx)
	if err != nil {
		return 0, &chainsource.TransientNetworkError{Op: "blockNumber", Err: err}
	}
	return n, nil
}

// BlockWithReceipts implements chainsource.ChainClient.
func (c *Client) BlockWithReceipts(ctx context.Context, number uint64) (*chainsource.BlockCandidate, error) {
	n := number
	block, err := c.provider.BlockWithReceipts(ctx, starknetrpc.BlockID{Number: &n})
	if err != nil {
		return nil, &chainsource.TransientNetworkError{Op: "blockWithReceipts", Err: err}
	}

	header, ok := block.(*starknetrpc.BlockWithReceipts)
	if !ok {
		return nil, &chainsource.MalformedResponse{
			Op:  "blockWithReceipts",
			Err: fmt.Errorf("unexpected response type %T for block %d", block, number),
		}
	}

	var events []chainsource.RawEvent
	for _, tx := range header.Transactions {
		for i, ev := range tx.Receipt.Events {
			events = append(events, chainsource.RawEvent{
				TxHash:          tx.Receipt.TransactionHash,
				EventIndex:      i,
				ContractAddress: ev.FromAddress,
				Keys:            ev.Keys,
				Data:            ev.Data,
			})
		}
	}

	return &chainsource.BlockCandidate{
		Header: reorg.Header{
			Number:     number,
			Hash:       header.BlockHash,
			ParentHash: header.ParentHash,
		},
		Timestamp: header.Timestamp,
		Events:    events,
	}, nil
}

// BlockHeaderByNumber implements chainsource.ChainClient.
func (c *Client) BlockHeaderByNumber(ctx context.Context, number uint64) (reorg.Header, error) {
	n := number
	block, err := c.provider.BlockWithTxHashes(ctx, starknetrpc.BlockID{Number: &n})
	if err != nil {
		return reorg.Header{}, &chainsource.TransientNetworkError{Op: "blockHeaderByNumber", Err: err}
	}

	header, ok := block.(*starknetrpc.BlockTxHashes)
	if !ok {
		return reorg.Header{}, &chainsource.MalformedResponse{
			Op:  "blockHeaderByNumber",
			Err: fmt.Errorf("unexpected response type %T for block %d", block, number),
		}
	}

	parent := header.ParentHash
	if parent == nil {
		parent = &felt.Zero
	}
	return reorg.Header{
		Number:     number,
		Hash:       header.BlockHash,
		ParentHash: parent,
	}, nil
}

