package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	t.Parallel()

	kind, err := ParseKind(" Whisper ")
	require.NoError(t, err)
	require.Equal(t, KindWhisper, kind)

	_, err = ParseKind("wav2vec")
	require.ErrorContains(t, err, "unknown engine kind")
}

func TestNewDispatchesByKind(t *testing.T) {
	t.Parallel()

	eng, err := New(LoadParams{Kind: KindStub, ModelName: "stub"}, Deps{})
	require.NoError(t, err)
	require.IsType(t, &StubEngine{}, eng)

	eng, err = New(LoadParams{Kind: KindWhisper, ModelName: "small"}, Deps{})
	require.NoError(t, err)
	require.IsType(t, &whisperCPPEngine{}, eng)

	_, err = New(LoadParams{Kind: "nonsense"}, Deps{})
	require.Error(t, err)
}

func TestUnsupportedKindsFailAtLoad(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{KindParakeet, KindCanary, KindVoxtral} {
		eng, err := New(LoadParams{Kind: kind, ModelName: "m"}, Deps{})
		require.NoError(t, err)
		require.ErrorIs(t, eng.Load(context.Background(), nil), ErrUnsupportedKind)
		require.False(t, eng.Loaded())
	}
}

func TestStubTranscribeRequiresLoad(t *testing.T) {
	t.Parallel()

	stub := NewStubEngine("stub")
	_, err := stub.Transcribe(context.Background(), []float32{0}, 16000, "auto")
	require.ErrorIs(t, err, ErrNotLoaded)

	require.NoError(t, stub.Load(context.Background(), nil))
	text, err := stub.Transcribe(context.Background(), make([]float32, 16000), 16000, "auto")
	require.NoError(t, err)
	require.Contains(t, text, "1.0s")
	require.Equal(t, 1, stub.Calls())
}

func TestStubLoadHonoursProgressAbort(t *testing.T) {
	t.Parallel()

	stub := NewStubEngine("stub")
	err := stub.Load(context.Background(), func(downloaded, total int64) bool {
		return downloaded < 512
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, stub.Loaded())
}
