package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(`function transform(payload) { return payload; }`))

	require.ErrorIs(t, Validate(`function process(payload) { return payload; }`), ErrNoTransform)
	require.ErrorIs(t, Validate(`var transform = 42;`), ErrNoTransform)
	require.Error(t, Validate(`function transform( {`))

	big := "function transform(p) { return p; }\n// " + strings.Repeat("x", maxScriptSize)
	require.ErrorIs(t, Validate(big), ErrScriptTooLarge)
}

func TestRun_MutatesPayload(t *testing.T) {
	res, err := Run(
		`function transform(payload) { payload.score = payload.score * 2; return payload; }`,
		map[string]any{"score": int64(21)},
	)
	require.NoError(t, err)
	require.False(t, res.Dropped)
	require.EqualValues(t, 42, res.Payload["score"])
}

func TestRun_NullDropsDelivery(t *testing.T) {
	res, err := Run(
		`function transform(payload) { if (payload.internal) { return null; } return payload; }`,
		map[string]any{"internal": true},
	)
	require.NoError(t, err)
	require.True(t, res.Dropped)
}

func TestRun_NonObjectReturnIsError(t *testing.T) {
	_, err := Run(`function transform(payload) { return "nope"; }`, map[string]any{})
	require.Error(t, err)
}

func TestRun_Timeout(t *testing.T) {
	_, err := Run(`function transform(payload) { while (true) {} }`, map[string]any{})
	require.ErrorIs(t, err, ErrScriptTimeout)
}
