package session

import (
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/loqalabs/loqa-scribe/internal/visualizer"
)

// Message turns any subsystem error into the user-facing error text.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var recErr *stt.RecognitionError
	switch {
	case errors.Is(err, stt.ErrUnsupportedPlatform):
		return "Speech recognition is not supported on this device."
	case errors.Is(err, stt.ErrPermissionDenied), errors.Is(err, visualizer.ErrPermissionDenied):
		return "Microphone access was denied."
	case errors.Is(err, visualizer.ErrNoCaptureDevice):
		return "No microphone was found."
	case errors.Is(err, stt.ErrListening):
		return "Stop listening before changing the language."
	case errors.Is(err, transcript.ErrClipboard):
		return "Could not copy the transcript to the clipboard."
	case errors.As(err, &recErr):
		return describeCode(recErr.Code)
	default:
		return err.Error()
	}
}

func describeCode(code string) string {
	switch code {
	case stt.CodeNoSpeech:
		return "No speech was detected."
	case stt.CodeAborted:
		return "Speech recognition was aborted."
	case stt.CodeAudioCapture:
		return "Audio capture failed."
	case stt.CodeNetwork:
		return "Speech recognition failed because of a network error."
	case stt.CodeLanguage:
		return "The selected language is not supported."
	default:
		return "Speech recognition error: " + code
	}
}
