// Package rms implements a pure-Go voice activity detector based on the RMS
// energy of each frame. Hysteresis between a speech and a silence threshold,
// plus frame counters on both edges, keeps it from flickering on short noises.
package rms

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/sahayhq/sahay/pkg/audio"
	"github.com/sahayhq/sahay/pkg/provider/vad"
)

// Defaults tuned for 16 kHz microphone audio.
const (
	DefaultSpeechThreshold  = 0.015
	DefaultSilenceThreshold = 0.008
	DefaultSpeechFrames     = 3
	DefaultSilenceFrames    = 30
)

var _ vad.Engine = Engine{}

// Engine creates RMS sessions. The zero value is ready to use.
type Engine struct{}

// NewSession implements [vad.Engine]. Zero fields in cfg take the package
// defaults.
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.SpeechFrames <= 0 {
		cfg.SpeechFrames = DefaultSpeechFrames
	}
	if cfg.SilenceFrames <= 0 {
		cfg.SilenceFrames = DefaultSilenceFrames
	}

	var errs []error
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("speech threshold %v out of range [0, 1]", cfg.SpeechThreshold))
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		errs = append(errs, fmt.Errorf("silence threshold %v exceeds speech threshold %v", cfg.SilenceThreshold, cfg.SpeechThreshold))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("rms: %w", err)
	}
	return &session{cfg: cfg}, nil
}

type session struct {
	cfg vad.Config

	mu           sync.Mutex
	inSpeech     bool
	speechCount  int
	silenceCount int
	closed       bool
}

var errClosed = errors.New("rms: session closed")

// ProcessFrame implements [vad.SessionHandle]. It is safe for concurrent use.
func (s *session) ProcessFrame(frame audio.AudioFrame) (vad.Event, error) {
	if s.cfg.SampleRate > 0 && frame.SampleRate != s.cfg.SampleRate {
		return vad.Event{}, fmt.Errorf("rms: frame rate %d Hz, session expects %d Hz", frame.SampleRate, s.cfg.SampleRate)
	}
	level := Level(frame.Samples)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, errClosed
	}

	if s.inSpeech {
		if level < s.cfg.SilenceThreshold {
			s.silenceCount++
			if s.silenceCount >= s.cfg.SilenceFrames {
				s.inSpeech = false
				s.silenceCount = 0
				return vad.Event{Type: vad.SpeechEnd, Level: level}, nil
			}
		} else {
			s.silenceCount = 0
		}
		return vad.Event{Type: vad.SpeechContinue, Level: level}, nil
	}

	if level >= s.cfg.SpeechThreshold {
		s.speechCount++
		if s.speechCount >= s.cfg.SpeechFrames {
			s.inSpeech = true
			s.speechCount = 0
			return vad.Event{Type: vad.SpeechStart, Level: level}, nil
		}
	} else {
		s.speechCount = 0
	}
	return vad.Event{Type: vad.Silence, Level: level}, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.speechCount = 0
	s.silenceCount = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Level returns the RMS energy of samples on a [0, 1] scale.
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
