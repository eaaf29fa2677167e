// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package upstream

import "encoding/json"

// controlEnvelope is the only place an inbound or outbound upstream
// JSON message is peeked at before being routed to a tagged variant
//.
type controlEnvelope struct {
	Type string `json:"type"`
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EncodeSpeak builds the TTS `{"type":"Speak","text":...}` request.
func EncodeSpeak(text string) []byte {
	b, _ := json.Marshal(speakMessage{Type: "Speak", Text: text})
	return b
}

// EncodeControl builds a bare `{"type": msgType}` request — Flush,
// Finalize, CloseStream, and KeepAlive all take this shape.
func EncodeControl(msgType string) []byte {
	b, _ := json.Marshal(controlEnvelope{Type: msgType})
	return b
}

// IsFlushed reports whether an inbound TTS text frame is the
// `{"type":"Flushed"}` finalize signal.
func IsFlushed(data []byte) bool {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.Type == "Flushed"
}

type sttTranscriptPeek struct {
	FromFinalize bool `json:"from_finalize"`
}

// FromFinalize reports whether an inbound STT transcript carries
// from_finalize: true. A `created` field, if present, is never treated
// as a completion signal and is intentionally not inspected
// here.
func FromFinalize(data []byte) bool {
	var peek sttTranscriptPeek
	_ = json.Unmarshal(data, &peek)
	return peek.FromFinalize
}
