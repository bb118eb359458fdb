package impl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NethermindEth/starknet-indexer/pkg/chainsource"
	"github.com/NethermindEth/starknet-indexer/pkg/testutil"
)

func TestNextDrainsHistoricalInAscendingOrder(t *testing.T) {
	fake := testutil.NewFakeChain()
	for n := uint64(100); n <= 105; n++ {
		fake.PutBlock(n, hexOf(n), hexOf(n-1), n, nil)
	}

	src := New(fake, fake, 99, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []uint64
	for i := 0; i < 6; i++ {
		c, err := src.Next(ctx)
		require.NoError(t, err)
		got = append(got, c.Header.Number)
	}
	require.Equal(t, []uint64{100, 101, 102, 103, 104, 105}, got)
}

func TestNextHandsOffToLiveAfterBackfillDrains(t *testing.T) {
	fake := testutil.NewFakeChain()
	fake.PutBlock(200, hexOf(200), hexOf(199), 200, nil)
	fake.PutBlock(201, hexOf(201), hexOf(200), 201, nil)
	fake.PutBlock(202, hexOf(202), hexOf(201), 202, nil)

	src := New(fake, fake, 200, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fake.PushHead(201)
	fake.PushHead(202)

	first, err := src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(201), first.Header.Number)

	second, err := src.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(202), second.Header.Number)
}

func hexOf(n uint64) string {
	const hextable = "0123456789abcdef"
	if n == 0 {
		return "0x0"
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = hextable[n%16]
		n /= 16
	}
	return "0x" + string(buf[i:])
}

var _ chainsource.Source = (*Source)(nil)
