package stt

import (
	"context"
)

// TranscribeRequest is one batch transcription pass over buffered PCM.
type TranscribeRequest struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Language   string
	Final      bool
}

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts batch STT backends. LocalEngine turns one into a
// continuous engine.
type Recognizer interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (TranscriptResult, error)
}
