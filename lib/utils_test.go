package lib

import (
	"testing"
)

func TestIsGreater(t *testing.T) {
	testCases := []struct {
		seq1     uint32
		seq2     uint32
		expected bool
	}{
		{seq1: 10, seq2: 5, expected: true},  // Direct comparison
		{seq1: 5, seq2: 10, expected: false}, // Direct comparison
		{seq1: 5, seq2: 4294967295, expected: true},           // Wrap-around case
		{seq1: 4294967295, seq2: 5, expected: false},          // Wrap-around case
		{seq1: 2147483647, seq2: 2147483646, expected: true},  // Close to wrap-around boundary
		{seq1: 2147483646, seq2: 2147483647, expected: false}, // Close to wrap-around boundary
		{seq1: 0, seq2: 4294967295, expected: true},           // Full wrap-around
		{seq1: 4294967295, seq2: 0, expected: false},          // Full wrap-around
	}

	for _, tc := range testCases {
		result := isGreater(tc.seq1, tc.seq2)
		if result != tc.expected {
			t.Errorf("For (%d, %d), expected %t, but got %t", tc.seq1, tc.seq2, tc.expected, result)
		}
	}
}

func TestSeqIncrementWraps(t *testing.T) {
	if got := SeqIncrement(4294967295); got != 0 {
		t.Errorf("SeqIncrement(MaxUint32) = %d, want 0", got)
	}
	if got := SeqIncrementBy(4294967294, 3); got != 1 {
		t.Errorf("SeqIncrementBy(MaxUint32-1, 3) = %d, want 1", got)
	}
}

func TestSeqDistance(t *testing.T) {
	testCases := []struct {
		base     uint32
		seq      uint32
		expected uint32
	}{
		{base: 0, seq: 0, expected: 0},
		{base: 0, seq: 5, expected: 5},
		{base: 10, seq: 15, expected: 5},
		{base: 4294967295, seq: 2, expected: 3}, // across the wrap
		{base: 5, seq: 0, expected: 4294967291}, // backwards looks huge, treated as out of range
	}

	for _, tc := range testCases {
		if got := seqDistance(tc.base, tc.seq); got != tc.expected {
			t.Errorf("seqDistance(%d, %d) = %d, want %d", tc.base, tc.seq, got, tc.expected)
		}
	}
}
