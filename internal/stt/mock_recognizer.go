package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req TranscribeRequest) (TranscriptResult, error) {
	mode := "partial"
	if req.Final {
		mode = "final"
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[%s %s transcript length=%d]", req.Language, mode, len(req.PCM)),
		Confidence: 0,
	}, nil
}
