// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package resampler wraps the SIMD-capable Speex-style resampler the
// transcoder prefers, exposing the narrow contract requires:
// one stateful object per (channels, inRate, outRate) triple,
// initialized once per session and reused across chunks. Construction
// never fails outward — any SIMD backend error degrades to a nil
// Resampler, and callers fall back to the scalar path permanently for
// that session.
package resampler

import (
	simdresampler "github.com/tphakala/go-audio-resampler"

	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// Resampler is the contract AudioTranscoder drives: a stateful PCM16
// resampler for one fixed channel count and rate pair.
type Resampler interface {
	// ProcessInterleavedInt resamples 16-bit signed little-endian PCM
	// and returns a freshly allocated buffer. A non-nil error means the
	// caller must use the scalar fallback for this call.
	ProcessInterleavedInt(input []byte) ([]byte, error)
	Close()
}

// simdResampler adapts the tphakala/go-audio-resampler SIMD
// implementation to the Resampler contract above.
type simdResampler struct {
	proc     *simdresampler.Resampler
	channels int
}

// New constructs a stateful SIMD resampler for one channel count and
// rate pair (e.g. 1-channel 48k->16k for STT, 1-channel 24k->48k for
// TTS). It never returns an error: failures are logged and nil is
// returned so the caller permanently falls back to scalar processing
// for this session
func New(channels, inRate, outRate int, logger commons.Logger) Resampler {
	proc, err := simdresampler.NewResampler(channels, inRate, outRate, simdresampler.QualityDefault)
	if err != nil {
		logger.Warnw("SIMD resampler unavailable, using scalar fallback", "error", err, "inRate", inRate, "outRate", outRate)
		return nil
	}
	return &simdResampler{proc: proc, channels: channels}
}

func (r *simdResampler) ProcessInterleavedInt(input []byte) ([]byte, error) {
	return r.proc.ProcessInt16LE(input)
}

func (r *simdResampler) Close() {
	r.proc.Close()
}
