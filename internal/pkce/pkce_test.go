package pkce_test

import (
	"testing"

	"github.com/lavente-care/auth-core/internal/pkce"
	"github.com/stretchr/testify/require"
)

func TestGenerate_ValidatesRoundTrip(t *testing.T) {
	pair, err := pkce.Generate()
	require.NoError(t, err)
	require.Equal(t, "S256", pair.Method)

	require.NoError(t, pkce.Validate(pair.Verifier, pair.Challenge))
}

func TestValidate_RejectsWrongVerifier(t *testing.T) {
	pair, err := pkce.Generate()
	require.NoError(t, err)

	err = pkce.Validate("wrong-verifier", pair.Challenge)
	require.ErrorIs(t, err, pkce.ErrVerifierMismatch)
}

func TestGenerate_ProducesUniquePairs(t *testing.T) {
	a, err := pkce.Generate()
	require.NoError(t, err)
	b, err := pkce.Generate()
	require.NoError(t, err)

	require.NotEqual(t, a.Verifier, b.Verifier)
}
