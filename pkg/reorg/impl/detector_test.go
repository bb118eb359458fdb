package impl

import (
	"fmt"
	"testing"

	"github.com/NethermindEth/juno/core/felt"
	"github.com/stretchr/testify/require"

	snfelt "github.com/NethermindEth/starknet-indexer/internal/felt"
	"github.com/NethermindEth/starknet-indexer/pkg/reorg"
)

func h(t *testing.T, number uint64, hashHex, parentHex string) reorg.Header {
	t.Helper()
	hash, err := snfelt.FromHex(hashHex)
	require.NoError(t, err)
	parent, err := snfelt.FromHex(parentHex)
	require.NoError(t, err)
	return reorg.Header{Number: number, Hash: hash, ParentHash: parent}
}

func noFetcher(t *testing.T) reorg.AncestorFetcher {
	return func(number uint64) (reorg.Header, error) {
		t.Fatalf("unexpected ancestor fetch for block %d", number)
		return reorg.Header{}, nil
	}
}

func TestDecideAcceptsContiguousCandidateFromEmptyTail(t *testing.T) {
	cursor := h(t, 500, "0x500a", "0x499")
	d := New(cursor, 64)

	directive, err := d.Decide(h(t, 501, "0x501", "0x500a"), noFetcher(t))
	require.NoError(t, err)
	require.Equal(t, reorg.Accept, directive.Kind)
	require.Equal(t, 1, d.Len())
}

func TestDecideAcceptsContiguousCandidateFromTailTip(t *testing.T) {
	cursor := h(t, 500, "0x500a", "0x499")
	d := New(cursor, 64)

	_, err := d.Decide(h(t, 501, "0x501", "0x500a"), noFetcher(t))
	require.NoError(t, err)
	directive, err := d.Decide(h(t, 502, "0x502", "0x501"), noFetcher(t))
	require.NoError(t, err)
	require.Equal(t, reorg.Accept, directive.Kind)
	require.Equal(t, 2, d.Len())
}

func TestDecideEvictsOldestBeyondWindow(t *testing.T) {
	cursor := h(t, 0, "0x0", "0x0")
	d := New(cursor, 2)

	_, err := d.Decide(h(t, 1, "0x1", "0x0"), noFetcher(t))
	require.NoError(t, err)
	_, err = d.Decide(h(t, 2, "0x2", "0x1"), noFetcher(t))
	require.NoError(t, err)
	_, err = d.Decide(h(t, 3, "0x3", "0x2"), noFetcher(t))
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())
}

func TestDecideDetectsSingleBlockReorgAgainstCursor(t *testing.T) {
	// S3: cursor at 500/H500a, tail empty, candidate 501 with an
	// unrelated parent.
	cursor := h(t, 500, "0x500a", "0x499")
	d := New(cursor, 64)

	directive, err := d.Decide(h(t, 501, "0x501b", "0x500b"), noFetcher(t))
	require.NoError(t, err)
	require.Equal(t, reorg.Reorg, directive.Kind)
	require.Equal(t, uint64(500), directive.FromBlock)
	require.True(t, directive.OldHash.Equal(mustFeltT(t, "0x500a")))
}

func TestDecideWalksBackToFindForkPointWithNonEmptyTail(t *testing.T) {
	cursor := h(t, 100, "0x100", "0x99")
	d := New(cursor, 64)
	_, err := d.Decide(h(t, 101, "0x101", "0x100"), noFetcher(t))
	require.NoError(t, err)
	_, err = d.Decide(h(t, 102, "0x102", "0x101"), noFetcher(t))
	require.NoError(t, err)

	// A competing chain forked after 101: candidate 103' extends 102',
	// which we never saw. Walking back one step from 103'-1=102 finds a
	// header whose hash (via the fetcher) matches our tail entry for 101,
	// so fork point is 102.
	fetchCount := 0
	fetcher := func(number uint64) (reorg.Header, error) {
		fetchCount++
		require.Equal(t, uint64(102), number)
		return reorg.Header{Number: 102, Hash: mustFeltT(t, "0x101"), ParentHash: mustFeltT(t, "0x100")}, nil
	}

	directive, err := d.Decide(h(t, 103, "0x103b", "0x102b"), fetcher)
	require.NoError(t, err)
	require.Equal(t, reorg.Reorg, directive.Kind)
	require.Equal(t, uint64(102), directive.FromBlock)
	require.Equal(t, 1, fetchCount)
	require.True(t, directive.OldHash.Equal(mustFeltT(t, "0x102")))
}

func TestDecideDeepReorgBeyondWindow(t *testing.T) {
	// S4: K=4, cursor at 996, tail fills with the canonical 997..1000, then
	// a fork whose true divergence point (990) is further back than the
	// window can see forces DeepReorgError rather than a false match.
	cursor := h(t, 996, "0x996", "0x995")
	d := New(cursor, 4)

	for n := uint64(997); n <= 1000; n++ {
		_, err := d.Decide(h(t, n, fmt.Sprintf("0x%d", n), fmt.Sprintf("0x%d", n-1)), noFetcher(t))
		require.NoError(t, err)
	}
	require.Equal(t, 4, d.Len())

	fetcher := func(number uint64) (reorg.Header, error) {
		return reorg.Header{
			Number:     number,
			Hash:       mustFeltT(t, fmt.Sprintf("0xaa%d", number)),
			ParentHash: mustFeltT(t, fmt.Sprintf("0xaa%d", number-1)),
		}, nil
	}

	_, err := d.Decide(h(t, 1001, "0x1001b", "0x1000b"), fetcher)
	require.Error(t, err)
	var deepErr *reorg.DeepReorgError
	require.ErrorAs(t, err, &deepErr)
}

func mustFeltT(t *testing.T, hexStr string) *felt.Felt {
	t.Helper()
	f, err := snfelt.FromHex(hexStr)
	require.NoError(t, err)
	return f
}
