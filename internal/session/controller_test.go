package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/speakeasy-voice/speakeasy/internal/audio"
	"github.com/speakeasy-voice/speakeasy/internal/capture"
	"github.com/speakeasy-voice/speakeasy/internal/engine"
)

type fakeStream struct {
	closeErr error
	closed   bool
}

func (s *fakeStream) Close() error {
	s.closed = true
	return s.closeErr
}

type fakeBackend struct {
	devices []capture.Device
	frames  [][]float32
	openErr error

	mu           sync.Mutex
	opened       int
	lastDeviceID string
	lastStream   *fakeStream
}

func (b *fakeBackend) Name() string    { return "fake" }
func (b *fakeBackend) Available() bool { return true }

func (b *fakeBackend) Devices(context.Context) ([]capture.Device, error) {
	return b.devices, nil
}

func (b *fakeBackend) Open(_ context.Context, deviceID string, _ int, onFrames capture.FrameFunc) (capture.Stream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}

	b.mu.Lock()
	b.opened++
	b.lastDeviceID = deviceID
	stream := &fakeStream{}
	b.lastStream = stream
	b.mu.Unlock()

	for _, frames := range b.frames {
		onFrames(frames)
	}
	return stream, nil
}

func newTestController(t *testing.T, stub *engine.StubEngine, backend capture.Backend) *Controller {
	t.Helper()

	return NewController(Options{
		Backend: backend,
		NewEngine: func(engine.LoadParams) (engine.Engine, error) {
			return stub, nil
		},
	})
}

func loadStub(t *testing.T, c *Controller) {
	t.Helper()

	err := c.LoadModel(context.Background(), engine.LoadParams{Kind: engine.KindStub, ModelName: "stub"}, nil)
	require.NoError(t, err)
	require.Equal(t, StateReady, c.State())
}

func TestLoadModelReachesReady(t *testing.T) {
	t.Parallel()

	var states []State
	stub := engine.NewStubEngine("stub")
	c := NewController(Options{
		NewEngine:     func(engine.LoadParams) (engine.Engine, error) { return stub, nil },
		OnStateChange: func(s State) { states = append(states, s) },
	})

	loadStub(t, c)
	require.True(t, c.Loaded())
	require.Equal(t, "stub", c.ModelName())
	require.Equal(t, []State{StateLoading, StateReady}, states)
}

func TestLoadModelFailureLandsInError(t *testing.T) {
	t.Parallel()

	stub := engine.NewStubEngine("stub")
	stub.LoadErr = errors.New("model file corrupt")
	c := newTestController(t, stub, nil)

	err := c.LoadModel(context.Background(), engine.LoadParams{Kind: engine.KindStub}, nil)
	require.ErrorContains(t, err, "model file corrupt")
	require.Equal(t, StateError, c.State())
	require.False(t, c.Loaded())
}

func TestReloadModelWithoutPriorLoad(t *testing.T) {
	t.Parallel()

	c := newTestController(t, engine.NewStubEngine("stub"), nil)
	require.ErrorIs(t, c.ReloadModel(context.Background()), ErrNoPriorLoad)
}

func TestReloadModelRepeatsLastLoad(t *testing.T) {
	t.Parallel()

	stub := engine.NewStubEngine("stub")
	c := newTestController(t, stub, nil)
	loadStub(t, c)

	require.NoError(t, c.ReloadModel(context.Background()))
	require.Equal(t, StateReady, c.State())
	require.True(t, stub.Loaded())
}

func TestUnloadKeepsReloadWorking(t *testing.T) {
	t.Parallel()

	c := newTestController(t, engine.NewStubEngine("stub"), nil)
	loadStub(t, c)

	require.NoError(t, c.UnloadModel())
	require.Equal(t, StateIdle, c.State())
	require.NoError(t, c.ReloadModel(context.Background()))
	require.Equal(t, StateReady, c.State())
}

func TestRecordStopTranscribe(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{frames: [][]float32{make([]float32, 1600), make([]float32, 1600)}}
	stub := engine.NewStubEngine("stub")
	c := newTestController(t, stub, backend)
	loadStub(t, c)

	require.NoError(t, c.StartRecording(context.Background()))
	require.Equal(t, StateRecording, c.State())

	recording, err := c.StopRecording()
	require.NoError(t, err)
	require.Len(t, recording.Samples, 3200)
	require.Equal(t, CaptureSampleRate, recording.SampleRate)
	require.Greater(t, recording.Duration, time.Duration(0))
	require.Equal(t, StateReady, c.State())

	backend.mu.Lock()
	require.True(t, backend.lastStream.closed)
	backend.mu.Unlock()
}

func TestStopRecordingEmptyBufferLeavesReady(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	c := newTestController(t, engine.NewStubEngine("stub"), backend)
	loadStub(t, c)

	require.NoError(t, c.StartRecording(context.Background()))
	_, err := c.StopRecording()
	require.ErrorIs(t, err, ErrNoAudioCaptured)
	require.Equal(t, StateReady, c.State())

	// Session stays usable: a fresh recording can start right away.
	require.NoError(t, c.StartRecording(context.Background()))
	c.CancelRecording()
}

func TestStopRecordingWhileNotRecording(t *testing.T) {
	t.Parallel()

	c := newTestController(t, engine.NewStubEngine("stub"), &fakeBackend{})
	loadStub(t, c)

	_, err := c.StopRecording()
	require.ErrorIs(t, err, ErrNotRecording)
}

func TestStartRecordingRequiresModel(t *testing.T) {
	t.Parallel()

	c := newTestController(t, engine.NewStubEngine("stub"), &fakeBackend{})
	require.ErrorIs(t, c.StartRecording(context.Background()), ErrNoModelLoaded)
}

func TestStartRecordingOpenFailureCleansUp(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{openErr: errors.New("device busy")}
	c := newTestController(t, engine.NewStubEngine("stub"), backend)
	loadStub(t, c)

	err := c.StartRecording(context.Background())
	require.ErrorContains(t, err, "device busy")
	require.Equal(t, StateReady, c.State())

	backend.openErr = nil
	require.NoError(t, c.StartRecording(context.Background()))
	c.CancelRecording()
}

func TestCancelRecordingDiscardsAudio(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{frames: [][]float32{make([]float32, 1600)}}
	c := newTestController(t, engine.NewStubEngine("stub"), backend)
	loadStub(t, c)

	require.NoError(t, c.StartRecording(context.Background()))
	c.CancelRecording()
	require.Equal(t, StateReady, c.State())

	_, err := c.StopRecording()
	require.ErrorIs(t, err, ErrNotRecording)
}

func TestTranscribeRequiresModel(t *testing.T) {
	t.Parallel()

	c := newTestController(t, engine.NewStubEngine("stub"), nil)
	_, err := c.Transcribe(context.Background(), make([]float32, 1600), CaptureSampleRate, "", nil)
	require.ErrorIs(t, err, ErrNoModelLoaded)
}

func TestTranscribeSinglePassFiresOneChunkCallback(t *testing.T) {
	t.Parallel()

	stub := engine.NewStubEngine("stub")
	stub.TranscribeFunc = func(int, []float32, int, string) (string, error) {
		return " hello world ", nil
	}
	c := newTestController(t, stub, nil)
	loadStub(t, c)

	var indices, totals []int
	var texts []string
	result, err := c.Transcribe(context.Background(), make([]float32, CaptureSampleRate), CaptureSampleRate, "en", func(i, n int, text string) {
		indices = append(indices, i)
		totals = append(totals, n)
		texts = append(texts, text)
	})
	require.NoError(t, err)
	require.Equal(t, "hello world", result.Text)
	require.Equal(t, "en", result.Language)
	require.Equal(t, "stub", result.Model)
	require.Equal(t, []int{1}, indices)
	require.Equal(t, []int{1}, totals)
	require.Equal(t, []string{"hello world"}, texts)
	require.Equal(t, StateReady, c.State())
}

func TestTranscribeChunksTwelveMinutes(t *testing.T) {
	t.Parallel()

	stub := engine.NewStubEngine("stub")
	stub.TranscribeFunc = func(call int, samples []float32, sampleRate int, _ string) (string, error) {
		require.Equal(t, 2*60*sampleRate, len(samples))
		return fmt.Sprintf("part%d", call), nil
	}
	c := newTestController(t, stub, nil)
	loadStub(t, c)

	samples := make([]float32, 12*60*CaptureSampleRate)
	var indices []int
	var texts []string
	result, err := c.Transcribe(context.Background(), samples, CaptureSampleRate, "", func(i, n int, text string) {
		require.Equal(t, 6, n)
		indices = append(indices, i)
		texts = append(texts, text)
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, indices)
	require.Equal(t, []string{"part1", "part2", "part3", "part4", "part5", "part6"}, texts)
	require.Equal(t, "part1 part2 part3 part4 part5 part6", result.Text)
	require.Equal(t, 6, stub.Calls())
}

func TestTranscribeSkipsShortTrailingChunk(t *testing.T) {
	t.Parallel()

	stub := engine.NewStubEngine("stub")
	stub.TranscribeFunc = func(call int, _ []float32, _ int, _ string) (string, error) {
		return fmt.Sprintf("part%d", call), nil
	}
	c := newTestController(t, stub, nil)
	loadStub(t, c)

	// 6 minutes plus a 0.2 s tail: the tail is below the half-second floor.
	samples := make([]float32, 6*60*CaptureSampleRate+CaptureSampleRate/5)
	var calls int
	result, err := c.Transcribe(context.Background(), samples, CaptureSampleRate, "", func(_, n int, _ string) {
		calls++
		require.Equal(t, 3, n)
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, "part1 part2 part3", result.Text)
}

func TestTranscribeFailureLandsInError(t *testing.T) {
	t.Parallel()

	stub := engine.NewStubEngine("stub")
	stub.TranscribeFunc = func(int, []float32, int, string) (string, error) {
		return "", errors.New("inference blew up")
	}
	c := newTestController(t, stub, nil)
	loadStub(t, c)

	_, err := c.Transcribe(context.Background(), make([]float32, 1600), CaptureSampleRate, "", nil)
	require.ErrorContains(t, err, "inference blew up")
	require.Equal(t, StateError, c.State())

	// Reload is the documented recovery path out of the error state.
	require.NoError(t, c.ReloadModel(context.Background()))
	require.Equal(t, StateReady, c.State())
}

func TestTranscribeAndRecordAreMutuallyExclusive(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	stub := engine.NewStubEngine("stub")
	stub.TranscribeFunc = func(int, []float32, int, string) (string, error) {
		<-release
		return "done", nil
	}
	c := newTestController(t, stub, &fakeBackend{})
	loadStub(t, c)

	results := make(chan error, 1)
	go func() {
		_, err := c.Transcribe(context.Background(), make([]float32, 1600), CaptureSampleRate, "", nil)
		results <- err
	}()

	require.Eventually(t, func() bool {
		return c.State() == StateTranscribing
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, c.StartRecording(context.Background()), ErrNoModelLoaded)

	_, err := c.Transcribe(context.Background(), make([]float32, 1600), CaptureSampleRate, "", nil)
	require.ErrorContains(t, err, "cannot transcribe while transcribing")

	close(release)
	require.NoError(t, <-results)
	require.Equal(t, StateReady, c.State())
}

func TestStopAndTranscribeKeepsRecordedDuration(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{frames: [][]float32{make([]float32, 1600)}}
	stub := engine.NewStubEngine("stub")
	stub.TranscribeFunc = func(int, []float32, int, string) (string, error) {
		return "captured speech", nil
	}
	c := newTestController(t, stub, backend)
	loadStub(t, c)

	require.NoError(t, c.StartRecording(context.Background()))
	result, err := c.StopAndTranscribe(context.Background(), "en", nil)
	require.NoError(t, err)
	require.Equal(t, "captured speech", result.Text)
	require.Greater(t, result.RecordedDuration, time.Duration(0))
}

func TestSetInputDevice(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{devices: []capture.Device{
		{ID: "alsa:0", Name: "Built-in Microphone", IsDefault: true},
		{ID: "usb:1", Name: "Blue Yeti USB"},
	}}
	c := newTestController(t, engine.NewStubEngine("stub"), backend)
	loadStub(t, c)

	require.NoError(t, c.SetInputDevice(context.Background(), "yeti"))
	require.NoError(t, c.StartRecording(context.Background()))
	c.CancelRecording()

	backend.mu.Lock()
	require.Equal(t, "usb:1", backend.lastDeviceID)
	backend.mu.Unlock()

	require.ErrorIs(t, c.SetInputDevice(context.Background(), "no such mic"), capture.ErrDeviceNotFound)

	// Empty query resets to the system default.
	require.NoError(t, c.SetInputDevice(context.Background(), ""))
	require.NoError(t, c.StartRecording(context.Background()))
	c.CancelRecording()

	backend.mu.Lock()
	require.Equal(t, "", backend.lastDeviceID)
	backend.mu.Unlock()
}

func TestTranscribeFile(t *testing.T) {
	t.Parallel()

	stub := engine.NewStubEngine("stub")
	stub.TranscribeFunc = func(_ int, samples []float32, sampleRate int, _ string) (string, error) {
		require.Equal(t, CaptureSampleRate, sampleRate)
		require.NotEmpty(t, samples)
		return "a short sentence", nil
	}
	c := newTestController(t, stub, nil)
	loadStub(t, c)

	samples := make([]float32, CaptureSampleRate/2)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/float64(CaptureSampleRate)))
	}
	path := filepath.Join(t.TempDir(), "speech.wav")
	require.NoError(t, audio.WriteWAVFile(path, samples, CaptureSampleRate))

	result, err := c.TranscribeFile(context.Background(), path, "en", nil)
	require.NoError(t, err)
	require.Equal(t, "a short sentence", result.Text)
}

func TestTranscribeFileGatesSilence(t *testing.T) {
	t.Parallel()

	stub := engine.NewStubEngine("stub")
	c := newTestController(t, stub, nil)
	loadStub(t, c)

	path := filepath.Join(t.TempDir(), "silence.wav")
	require.NoError(t, audio.WriteWAVFile(path, make([]float32, CaptureSampleRate), CaptureSampleRate))

	result, err := c.TranscribeFile(context.Background(), path, "en", nil)
	require.NoError(t, err)
	require.Empty(t, result.Text)
	require.Zero(t, stub.Calls())
}

func TestCleanupIsIdempotent(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{frames: [][]float32{make([]float32, 1600)}}
	c := newTestController(t, engine.NewStubEngine("stub"), backend)
	loadStub(t, c)
	require.NoError(t, c.StartRecording(context.Background()))

	c.Cleanup()
	require.Equal(t, StateIdle, c.State())
	require.False(t, c.Loaded())

	c.Cleanup()
	require.Equal(t, StateIdle, c.State())
}

func TestStateCallbackPanicIsContained(t *testing.T) {
	t.Parallel()

	stub := engine.NewStubEngine("stub")
	c := NewController(Options{
		NewEngine:     func(engine.LoadParams) (engine.Engine, error) { return stub, nil },
		OnStateChange: func(State) { panic("listener bug") },
	})

	require.NoError(t, c.LoadModel(context.Background(), engine.LoadParams{Kind: engine.KindStub}, nil))
	require.Equal(t, StateReady, c.State())
}
