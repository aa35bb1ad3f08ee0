package stt

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedPlatform means no recognition capability exists on this host.
	ErrUnsupportedPlatform = errors.New("speech recognition is not supported on this platform")
	// ErrListening rejects configuration changes while a session is active.
	ErrListening = errors.New("cannot change language while listening")
	// ErrPermissionDenied matches recognition errors caused by refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
)

// EventType identifies an engine callback.
type EventType int

const (
	EventStart EventType = iota
	EventResult
	EventError
	EventEnd
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Result is one recognition hypothesis in a handle's result list.
type Result struct {
	Transcript string
	Final      bool
	Confidence float64
}

// Event is delivered by a Handle. For EventResult, Results holds the handle's
// whole result list and ResultIndex the first entry that changed.
type Event struct {
	Type        EventType
	ResultIndex int
	Results     []Result
	Code        string
	Message     string
}

// HandleOptions configures a recognition handle at creation.
type HandleOptions struct {
	Language       string
	Continuous     bool
	InterimResults bool
}

// Engine creates recognition handles.
type Engine interface {
	Available() bool
	// NewHandle creates a handle that reports through emit. emit may be
	// called from any goroutine.
	NewHandle(opts HandleOptions, emit func(Event)) (Handle, error)
}

// Handle is a single continuous recognition instance. Start and Stop are
// asynchronous: start and end events follow the call.
type Handle interface {
	Start() error
	Stop() error
	// Abort releases the handle without delivering further events.
	Abort() error
}

// AudioStream yields 16-bit little-endian mono PCM.
type AudioStream interface {
	Frames() <-chan []byte
	Close() error
}

// AudioSource opens capture streams for recognition engines.
type AudioSource interface {
	Open(ctx context.Context) (AudioStream, error)
}

// RecognitionError is an engine-reported runtime error.
type RecognitionError struct {
	Code    string
	Message string
}

func (e *RecognitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("speech recognition error: %s (%s)", e.Code, e.Message)
	}
	return fmt.Sprintf("speech recognition error: %s", e.Code)
}

func (e *RecognitionError) Is(target error) bool {
	if target == ErrPermissionDenied {
		return e.Code == CodeNotAllowed || e.Code == CodeServiceNotAllowed
	}
	return false
}

// Error codes reported by engines.
const (
	CodeNoSpeech          = "no-speech"
	CodeAborted           = "aborted"
	CodeAudioCapture      = "audio-capture"
	CodeNetwork           = "network"
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeLanguage          = "language-not-supported"
)

// Languages is the reference set of recognition locales.
var Languages = []string{"en-US", "en-GB", "es-ES", "fr-FR", "de-DE"}
