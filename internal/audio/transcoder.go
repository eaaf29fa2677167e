// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package audio implements the PCM16 conversions every SessionAdapter
// variant needs: stereo/mono folding and the 24k<->48k<->16k rate
// changes between the SFU's 48kHz stereo wire format and the AI
// providers' mono rates.
package audio

import (
	"github.com/rapidaai/sessionbridge/internal/audio/resampler"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

const bytesPerSample = 2

// Transcoder holds the optional SIMD resamplers for one session. Each
// is initialized once and reused across every
// chunk processed during the session's lifetime.
type Transcoder struct {
	downsampler resampler.Resampler // 1ch 48k -> 16k, STT path
	upsampler   resampler.Resampler // 1ch 24k -> 48k, TTS path
	logger      commons.Logger
}

// NewTranscoder builds a Transcoder for a session. needsDownsample and
// needsUpsample let each SessionAdapter flavor only pay for the ratio
// it actually uses (STT downsamples, TTS upsamples, Video uses neither).
func NewTranscoder(needsDownsample, needsUpsample bool, logger commons.Logger) *Transcoder {
	t := &Transcoder{logger: logger}
	if needsDownsample {
		t.downsampler = resampler.New(1, 48000, 16000, logger)
	}
	if needsUpsample {
		t.upsampler = resampler.New(1, 24000, 48000, logger)
	}
	return t
}

// Close releases any SIMD resampler state.
func (t *Transcoder) Close() {
	if t.downsampler != nil {
		t.downsampler.Close()
	}
	if t.upsampler != nil {
		t.upsampler.Close()
	}
}

// truncateOdd drops a dangling trailing byte so buf always holds whole
// PCM16 samples, logging when it had to.
func (t *Transcoder) truncateOdd(buf []byte) []byte {
	if len(buf)%2 == 0 {
		return buf
	}
	t.logger.Warnw("truncating odd trailing byte from PCM buffer", "originalLength", len(buf))
	return buf[:len(buf)-1]
}

// StereoToMono averages the left/right samples of each frame, rounding
// to nearest.
func (t *Transcoder) StereoToMono(buf []byte) []byte {
	buf = t.truncateOdd(buf)
	frames := len(buf) / 4
	out := make([]byte, frames*bytesPerSample)
	for i := 0; i < frames; i++ {
		left := int16(uint16(buf[i*4]) | uint16(buf[i*4+1])<<8)
		right := int16(uint16(buf[i*4+2]) | uint16(buf[i*4+3])<<8)
		avg := roundedAverage(left, right)
		out[i*2] = byte(uint16(avg))
		out[i*2+1] = byte(uint16(avg) >> 8)
	}
	return out
}

func roundedAverage(a, b int16) int16 {
	sum := int32(a) + int32(b)
	if sum >= 0 {
		return int16((sum + 1) / 2)
	}
	return int16((sum - 1) / 2)
}

// MonoToStereo duplicates each mono sample into both channels.
func (t *Transcoder) MonoToStereo(buf []byte) []byte {
	buf = t.truncateOdd(buf)
	samples := len(buf) / bytesPerSample
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		lo, hi := buf[i*2], buf[i*2+1]
		out[i*4], out[i*4+1] = lo, hi
		out[i*4+2], out[i*4+3] = lo, hi
	}
	return out
}

// DownsampleMono48kTo16k converts mono 48kHz PCM16 to mono 16kHz PCM16.
// Prefers the SIMD resampler; falls back to 3:1 decimation.
func (t *Transcoder) DownsampleMono48kTo16k(mono48k []byte) []byte {
	mono48k = t.truncateOdd(mono48k)
	if t.downsampler != nil {
		if out, err := t.downsampler.ProcessInterleavedInt(mono48k); err == nil {
			return out
		}
		t.logger.Warnw("SIMD downsample failed, using scalar fallback")
	}
	return decimate3to1(mono48k)
}

func decimate3to1(mono48k []byte) []byte {
	samples := len(mono48k) / bytesPerSample
	outSamples := samples / 3
	out := make([]byte, outSamples*bytesPerSample)
	for i := 0; i < outSamples; i++ {
		src := i * 3 * bytesPerSample
		out[i*2] = mono48k[src]
		out[i*2+1] = mono48k[src+1]
	}
	return out
}

// UpsampleMono24kTo48k converts mono 24kHz PCM16 to mono 48kHz PCM16 by
// linear interpolation, duplicating the terminal sample. Prefers the
// SIMD resampler.
func (t *Transcoder) UpsampleMono24kTo48k(mono24k []byte) []byte {
	mono24k = t.truncateOdd(mono24k)
	if t.upsampler != nil {
		if out, err := t.upsampler.ProcessInterleavedInt(mono24k); err == nil {
			return out
		}
		t.logger.Warnw("SIMD upsample failed, using scalar fallback")
	}
	return interpolate1to2(mono24k)
}

func interpolate1to2(mono24k []byte) []byte {
	samples := len(mono24k) / bytesPerSample
	if samples == 0 {
		return nil
	}
	out := make([]byte, samples*2*bytesPerSample)
	get := func(i int) int16 {
		return int16(uint16(mono24k[i*2]) | uint16(mono24k[i*2+1])<<8)
	}
	put := func(i int, v int16) {
		out[i*2] = byte(uint16(v))
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	for i := 0; i < samples; i++ {
		cur := get(i)
		put(i*2, cur)
		if i == samples-1 {
			// Terminal sample has no successor to interpolate toward:
			// duplicate it instead
			put(i*2+1, cur)
			continue
		}
		next := get(i + 1)
		put(i*2+1, midpoint(cur, next))
	}
	return out
}

func midpoint(a, b int16) int16 {
	return int16((int32(a) + int32(b)) / 2)
}
