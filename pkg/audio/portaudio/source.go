// Package portaudio binds the capture and playback layers to real audio
// hardware through the PortAudio C library. It needs cgo and the PortAudio
// headers; everything else under pkg/audio builds without them.
package portaudio

import (
	"context"
	"fmt"
	"strings"
	"sync"

	palib "github.com/gordonklaus/portaudio"

	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/audio/capture"
)

// Source captures mono float32 audio from an input device.
type Source struct {
	// Device selects an input device by case-insensitive name substring.
	// Empty selects the host's default input device.
	Device string
}

var _ capture.Source = Source{}

// Open implements [capture.Source]. Initialisation, device lookup and stream
// errors are all reported as [*audio.PermissionError].
func (s Source) Open(_ context.Context, sampleRate, blockSize int) (capture.Stream, error) {
	if err := palib.Initialize(); err != nil {
		return nil, &audio.PermissionError{Device: s.Device, Err: fmt.Errorf("initialize portaudio: %w", err)}
	}

	dev, err := s.inputDevice()
	if err != nil {
		_ = palib.Terminate()
		return nil, &audio.PermissionError{Device: s.Device, Err: err}
	}

	params := palib.StreamParameters{
		Input: palib.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: blockSize,
	}

	buf := make([]float32, blockSize)
	stream, err := palib.OpenStream(params, buf)
	if err != nil {
		_ = palib.Terminate()
		return nil, &audio.PermissionError{Device: dev.Name, Err: fmt.Errorf("open stream: %w", err)}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = palib.Terminate()
		return nil, &audio.PermissionError{Device: dev.Name, Err: fmt.Errorf("start stream: %w", err)}
	}

	return &inputStream{stream: stream, buf: buf}, nil
}

func (s Source) inputDevice() (*palib.DeviceInfo, error) {
	if s.Device == "" {
		dev, err := palib.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return dev, nil
	}

	devices, err := palib.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	want := strings.ToLower(s.Device)
	for _, dev := range devices {
		if dev.MaxInputChannels >= 1 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no input device matching %q", s.Device)
}

type inputStream struct {
	stream *palib.Stream
	buf    []float32

	closeOnce sync.Once
	closeErr  error
}

func (p *inputStream) Read(ctx context.Context) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.stream.Read(); err != nil {
		return nil, fmt.Errorf("portaudio: read: %w", err)
	}
	return append([]float32(nil), p.buf...), nil
}

func (p *inputStream) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stream.Abort()
		p.closeErr = p.stream.Close()
		_ = palib.Terminate()
	})
	return p.closeErr
}
