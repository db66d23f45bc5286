package utils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint64Codec(t *testing.T) {
	v, err := DecodeUint64(EncodeUint64(42))
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)

	_, err = DecodeUint64([]byte{1, 2, 3})
	require.Error(t, err)

	ts, err := DecodeInt64(EncodeInt64(-7))
	require.NoError(t, err)
	require.Equal(t, int64(-7), ts)
}

func TestRequestMsg(t *testing.T) {
	prev := []byte("previous signature")
	msg := RequestMsg(3, prev)
	require.Equal(t, 8+len(prev), len(msg))
	require.Equal(t, prev, msg[8:])
	id, err := DecodeUint64(msg[:8])
	require.NoError(t, err)
	require.Equal(t, uint64(3), id)
}

func TestRandomWords(t *testing.T) {
	sig := []byte("some round signature")
	words := RandomWords(sig, 3)
	require.Equal(t, 3, len(words))
	// Deterministic in the signature, distinct per index.
	require.Equal(t, words, RandomWords(sig, 3))
	require.NotEqual(t, words[0], words[1])
	require.NotEqual(t, RandomWords([]byte("other"), 1)[0], words[0])
}
