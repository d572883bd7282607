// Package capture streams microphone audio to the duplex channel.
//
// A [Downlink] reads fixed-size float32 blocks from a [Source], reduces them
// to the wire rate, quantises them to PCM16 and hands base64 [audio.WireFrame]
// values to a callback, one per block, at the device clock's cadence.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sahayhq/sahay/pkg/audio"
)

// ErrAlreadyStarted is returned by [Downlink.Start] when the downlink is
// already streaming.
var ErrAlreadyStarted = errors.New("capture: downlink already started")

// Source opens microphone streams. Implementations must be safe for repeated
// Open/Close cycles.
type Source interface {
	// Open acquires the device and starts delivering blocks of blockSize mono
	// samples at sampleRate. A device that is denied or missing must be
	// reported as an error; Downlink wraps it in [*audio.PermissionError].
	Open(ctx context.Context, sampleRate, blockSize int) (Stream, error)
}

// Stream is an open microphone stream.
type Stream interface {
	// Read blocks until the next block of samples is available. The returned
	// slice is owned by the caller.
	Read(ctx context.Context) ([]float32, error)

	// Close releases the device. It must be idempotent and must unblock any
	// pending Read.
	Close() error
}

// Config controls the rates and block size of a [Downlink].
type Config struct {
	// CaptureRate is the device sample rate in Hz. Defaults to 48000.
	CaptureRate int

	// WireRate is the outbound sample rate in Hz. Defaults to [audio.WireRate].
	WireRate int

	// BlockSize is the number of device samples read per block. Defaults to 4096.
	BlockSize int

	// Tap, if set, receives every block as a wire-rate PCM16 frame before it
	// is encoded. It runs on the capture goroutine and must not block.
	Tap func(audio.AudioFrame)

	// OnError, if set, is called once when the stream fails while the
	// downlink is active. It is not called for reads that fail because of Stop.
	OnError func(error)
}

// StartOption overrides per-start hooks of a [Downlink].
type StartOption func(*hooks)

type hooks struct {
	tap     func(audio.AudioFrame)
	onError func(error)
}

// WithTap replaces [Config.Tap] for one Start.
func WithTap(fn func(audio.AudioFrame)) StartOption {
	return func(h *hooks) { h.tap = fn }
}

// WithOnError replaces [Config.OnError] for one Start.
func WithOnError(fn func(error)) StartOption {
	return func(h *hooks) { h.onError = fn }
}

func (c *Config) applyDefaults() {
	if c.CaptureRate <= 0 {
		c.CaptureRate = 48000
	}
	if c.WireRate <= 0 {
		c.WireRate = audio.WireRate
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 4096
	}
}

// Downlink owns one microphone stream at a time. The zero value is not
// usable; construct with [New]. All methods are safe for concurrent use.
type Downlink struct {
	source Source
	cfg    Config

	mu     sync.Mutex
	active bool
	gen    uint64
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Downlink reading from source.
func New(source Source, cfg Config) *Downlink {
	cfg.applyDefaults()
	return &Downlink{source: source, cfg: cfg}
}

// Start acquires the microphone and begins streaming. onFrame is invoked on
// a dedicated goroutine once per block. opts override the Config hooks for
// this run only. Device failures are returned as
// [*audio.PermissionError]. Start returns [ErrAlreadyStarted] if the downlink
// is already active; a stopped downlink may be started again.
func (d *Downlink) Start(ctx context.Context, onFrame func(audio.WireFrame), opts ...StartOption) error {
	h := hooks{tap: d.cfg.Tap, onError: d.cfg.OnError}
	for _, o := range opts {
		o(&h)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		return ErrAlreadyStarted
	}

	stream, err := d.source.Open(ctx, d.cfg.CaptureRate, d.cfg.BlockSize)
	if err != nil {
		var pe *audio.PermissionError
		if errors.As(err, &pe) {
			return err
		}
		return &audio.PermissionError{Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.active = true
	d.gen++
	d.stream = stream
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.readLoop(loopCtx, stream, d.gen, onFrame, h, d.done)

	slog.Debug("capture started",
		"capture_hz", d.cfg.CaptureRate,
		"wire_hz", d.cfg.WireRate,
		"block", d.cfg.BlockSize,
	)
	return nil
}

// Stop releases the microphone. It is idempotent and safe to call before
// Start or from inside onFrame. Once Stop returns no further onFrame call
// begins; a call that had already passed the gate may still complete.
func (d *Downlink) Stop() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	stream, cancel := d.stream, d.cancel
	d.stream, d.cancel = nil, nil
	d.mu.Unlock()

	cancel()
	if err := stream.Close(); err != nil {
		slog.Debug("capture: close stream", "err", err)
	}
	slog.Debug("capture stopped")
}

// Active reports whether the downlink is currently streaming.
func (d *Downlink) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Done returns a channel that is closed when the most recently started read
// loop has exited. It returns nil if the downlink was never started.
func (d *Downlink) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *Downlink) readLoop(ctx context.Context, stream Stream, gen uint64, onFrame func(audio.WireFrame), h hooks, done chan struct{}) {
	defer close(done)

	var elapsed time.Duration
	for {
		block, err := stream.Read(ctx)
		if err != nil {
			if d.stillActive(gen) {
				slog.Warn("capture: read failed", "err", err)
				d.Stop()
				if h.onError != nil {
					h.onError(err)
				}
			}
			return
		}

		pcm := audio.FloatToPCM16(audio.Downsample(block, d.cfg.CaptureRate, d.cfg.WireRate))
		frame := audio.AudioFrame{Samples: pcm, SampleRate: d.cfg.WireRate, Timestamp: elapsed}
		elapsed += frame.Duration()

		// Gate: a frame read after Stop is discarded.
		if !d.stillActive(gen) {
			return
		}
		if h.tap != nil {
			h.tap(frame)
		}
		onFrame(audio.EncodeWireFrame(frame))
	}
}

// stillActive reports whether the loop started as gen is still the live one.
func (d *Downlink) stillActive(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active && d.gen == gen
}
