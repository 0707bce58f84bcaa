package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// pipewireBackend streams raw f32le frames from pw-record's stdout into the
// frame callback.
type pipewireBackend struct{}

func newPipeWireBackend() Backend {
	return &pipewireBackend{}
}

func (b *pipewireBackend) Name() string {
	return "pw-record"
}

func (b *pipewireBackend) Available() bool {
	return commandAvailable("pw-record")
}

func (b *pipewireBackend) Devices(ctx context.Context) ([]Device, error) {
	if !commandAvailable("pactl") {
		return nil, errors.New("pactl is required to enumerate pipewire sources")
	}

	out, err := commandOutput(ctx, "pactl", "list", "short", "sources")
	if err != nil {
		return nil, err
	}

	defaultSource := ""
	if value, err := commandOutput(ctx, "pactl", "get-default-source"); err == nil {
		defaultSource = value
	}

	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		name := fields[1]
		// Monitor sources mirror playback streams, not microphones.
		if strings.HasSuffix(name, ".monitor") {
			continue
		}

		devices = append(devices, Device{
			ID:        name,
			Name:      name,
			IsDefault: name == defaultSource,
		})
	}

	return devices, nil
}

func (b *pipewireBackend) Open(ctx context.Context, deviceID string, sampleRate int, onFrames FrameFunc) (Stream, error) {
	if onFrames == nil {
		return nil, errors.New("frame callback is required")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	args := []string{"--rate", strconv.Itoa(sampleRate), "--channels", "1", "--format", "f32", "-"}
	if strings.TrimSpace(deviceID) != "" {
		args = append([]string{"--target", deviceID}, args...)
	}

	cmd := exec.CommandContext(ctx, "pw-record", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open pw-record stdout: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pw-record: %w", err)
	}

	stream := &pipewireStream{cmd: cmd, done: make(chan struct{})}
	go stream.pump(stdout, onFrames)

	return stream, nil
}

type pipewireStream struct {
	cmd  *exec.Cmd
	done chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// pump converts pw-record's little-endian f32 byte stream into frame batches.
func (s *pipewireStream) pump(r io.Reader, onFrames FrameFunc) {
	defer close(s.done)

	buf := make([]byte, 16384)
	pending := 0

	for {
		n, err := r.Read(buf[pending:])
		if n > 0 {
			total := pending + n
			usable := total - total%4

			frames := make([]float32, usable/4)
			for i := range frames {
				bits := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
				frames[i] = math.Float32frombits(bits)
			}
			if len(frames) > 0 {
				onFrames(frames)
			}

			copy(buf, buf[usable:total])
			pending = total - usable
		}
		if err != nil {
			return
		}
	}
}

func (s *pipewireStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(os.Interrupt)
		}
		<-s.done

		err := s.cmd.Wait()
		if err != nil && !stoppedBySignal(err) {
			s.closeErr = fmt.Errorf("pw-record exited: %w", err)
		}
	})
	return s.closeErr
}

func stoppedBySignal(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	// pw-record exits non-zero when interrupted; that is the expected stop path.
	return !exitErr.Exited()
}
