package giga

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndex_SplitTargets(t *testing.T) {
	require.Equal(t, 1, splitTarget(0))
	require.Equal(t, 3, splitTarget(1))
	require.Equal(t, 6, splitTarget(2))
	require.Equal(t, 7, splitTarget(3))
	require.Equal(t, 12, splitTarget(4))
}

func TestIndex_PartAlwaysPresent(t *testing.T) {
	idx := NewIndex(0, Options{NumPartitions: 64, SplitThreshold: 4})
	for i := 0; i < 10000; i++ {
		name := []byte(fmt.Sprintf("f%d", i))
		hash := Hash(name)
		if s := idx.InsertChild(hash); s >= 0 {
			idx.Split(s)
		}
		require.True(t, idx.Present(idx.Part(hash)))
	}
	// More than one partition must exist after this much pressure.
	require.Greater(t, len(idx.Partitions()), 1)
	for _, p := range idx.Partitions() {
		require.True(t, idx.Present(p))
	}
}

func TestIndex_PartitionZeroAlwaysPresent(t *testing.T) {
	idx := NewIndex(3, Options{NumPartitions: 16})
	require.True(t, idx.Present(0))
	require.Equal(t, 0, idx.Part(Hash([]byte("anything"))))
}

func TestIndex_ServerMapping(t *testing.T) {
	idx := NewIndex(0, Options{NumPartitions: 16, NumServers: 4, NumVirtualServers: 4})
	for i := 0; i < 8; i++ {
		require.Equal(t, uint32(i%4), idx.Server(i))
	}

	// Virtual servers fold onto physical by integer division.
	idx = NewIndex(0, Options{NumPartitions: 16, NumServers: 2, NumVirtualServers: 4})
	require.Equal(t, uint32(0), idx.Server(0))
	require.Equal(t, uint32(0), idx.Server(1))
	require.Equal(t, uint32(1), idx.Server(2))
	require.Equal(t, uint32(1), idx.Server(3))

	// The zeroth server shifts the whole mapping.
	idx = NewIndex(1, Options{NumPartitions: 16, NumServers: 4, NumVirtualServers: 4})
	require.Equal(t, uint32(1), idx.Server(0))
	require.Equal(t, uint32(2), idx.Server(1))
}

func TestIndex_SplitMigratesPopulation(t *testing.T) {
	idx := NewIndex(0, Options{NumPartitions: 8, SplitThreshold: 4})
	var split int = -1
	for i := 0; split < 0 && i < 100; i++ {
		split = idx.InsertChild(Hash([]byte(fmt.Sprintf("n%d", i))))
	}
	require.GreaterOrEqual(t, split, 0)
	before := idx.Count(split)
	target := idx.Split(split)
	require.True(t, idx.Present(target))
	require.Equal(t, before, idx.Count(split)+idx.Count(target))
}

func TestIndex_EncodeDecode(t *testing.T) {
	opts := Options{NumPartitions: 64, SplitThreshold: 2}
	idx := NewIndex(5, Options{NumPartitions: 64, SplitThreshold: 2, NumServers: 8, NumVirtualServers: 8})
	for i := 0; i < 500; i++ {
		if s := idx.InsertChild(Hash([]byte(fmt.Sprintf("x%d", i)))); s >= 0 {
			idx.Split(s)
		}
	}

	got, err := DecodeIndex(idx.Encode(), opts)
	require.NoError(t, err)
	require.Equal(t, uint32(5), uint32(got.ZerothServer()))
	require.Equal(t, idx.Partitions(), got.Partitions())
	require.Equal(t, idx.Radix(), got.Radix())
	for i := 0; i < 1000; i++ {
		hash := Hash([]byte(fmt.Sprintf("probe%d", i)))
		require.Equal(t, idx.Part(hash), got.Part(hash))
	}
}

func TestIndex_DecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeIndex(nil, Options{})
	require.Error(t, err)
	_, err = DecodeIndex([]byte{1, 2, 3}, Options{})
	require.Error(t, err)
}

func TestIndex_UpdateIsMonotone(t *testing.T) {
	opts := Options{NumPartitions: 16, SplitThreshold: 1}
	ahead := NewIndex(0, opts)
	for i := 0; i < 64; i++ {
		if s := ahead.InsertChild(Hash([]byte(fmt.Sprintf("m%d", i)))); s >= 0 {
			ahead.Split(s)
		}
	}
	behind := NewIndex(0, opts)
	snap, err := DecodeIndex(ahead.Encode(), opts)
	require.NoError(t, err)
	behind.Update(snap)
	require.Equal(t, ahead.Partitions(), behind.Partitions())

	// Installing an older snapshot never clears bits.
	stale := NewIndex(0, opts)
	behind.Update(stale)
	require.Equal(t, ahead.Partitions(), behind.Partitions())
}
