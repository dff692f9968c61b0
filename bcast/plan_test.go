package bcast

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartition(t *testing.T) {
	for _, tc := range []struct {
		name       string
		totalBytes int
		chunkSize  int
		want       Plan
	}{
		{
			name:       "remainder chunk",
			totalBytes: 16,
			chunkSize:  5,
			want:       Plan{{0, 5}, {5, 5}, {10, 5}, {15, 1}},
		},
		{
			name:       "exact multiple",
			totalBytes: 20,
			chunkSize:  5,
			want:       Plan{{0, 5}, {5, 5}, {10, 5}, {15, 5}},
		},
		{
			name:       "chunk larger than payload",
			totalBytes: 7,
			chunkSize:  100,
			want:       Plan{{0, 7}},
		},
		{
			name:       "single byte",
			totalBytes: 1,
			chunkSize:  1,
			want:       Plan{{0, 1}},
		},
		{
			name:       "whole payload",
			totalBytes: 9,
			chunkSize:  9,
			want:       Plan{{0, 9}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := Partition(tc.totalBytes, tc.chunkSize)
			require.NoError(t, err)
			require.Equal(t, tc.want, plan)
		})
	}
}

func TestPartitionInvalid(t *testing.T) {
	for _, tc := range []struct {
		name       string
		totalBytes int
		chunkSize  int
	}{
		{"zero chunk", 10, 0},
		{"negative chunk", 10, -3},
		{"zero payload", 0, 4},
		{"negative payload", -1, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Partition(tc.totalBytes, tc.chunkSize)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestPartitionProperties(t *testing.T) {
	for totalBytes := 1; totalBytes <= 64; totalBytes++ {
		for chunkSize := 1; chunkSize <= totalBytes+2; chunkSize++ {
			plan, err := Partition(totalBytes, chunkSize)
			require.NoError(t, err, "total=%d chunk=%d", totalBytes, chunkSize)
			require.Equal(t, totalBytes, plan.TotalBytes(), "total=%d chunk=%d", totalBytes, chunkSize)
			next := 0
			for _, ch := range plan {
				require.Equal(t, next, ch.Off, "total=%d chunk=%d", totalBytes, chunkSize)
				require.Positive(t, ch.Len, "total=%d chunk=%d", totalBytes, chunkSize)
				require.LessOrEqual(t, ch.Len, chunkSize)
				next = ch.Off + ch.Len
			}
			require.Equal(t, totalBytes, next)
		}
	}
}
