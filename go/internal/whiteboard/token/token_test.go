package token

import (
	"testing"

	"github.com/livekit/protocol/auth"
	"github.com/stretchr/testify/require"
)

func TestMint(t *testing.T) {
	require := require.New(t)

	m := NewMinter("devkey", "secret-secret-secret-secret-secret", 0)
	require.True(m.Configured())

	jwt, err := m.Mint("lesson-1", "alice")
	require.NoError(err)
	require.NotEmpty(jwt)

	verifier, err := auth.ParseAPIToken(jwt)
	require.NoError(err)
	require.Equal("devkey", verifier.APIKey())
	require.Equal("alice", verifier.Identity())
}

func TestMintErrors(t *testing.T) {
	require := require.New(t)

	_, err := NewMinter("", "", 0).Mint("room", "alice")
	require.ErrorIs(err, ErrMissingCredentials)

	m := NewMinter("key", "secret", 0)
	_, err = m.Mint("", "alice")
	require.ErrorIs(err, ErrMissingRoom)
	_, err = m.Mint("room", "")
	require.ErrorIs(err, ErrMissingIdentity)
}
