package protocol

import "time"

// AudioFrame represents PCM audio data streamed to a recognition runtime.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language,omitempty"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SessionState mirrors the controller's observable state.
type SessionState struct {
	SessionID   string    `json:"session_id,omitempty"`
	Listening   bool      `json:"listening"`
	Visualizing bool      `json:"visualizing"`
	Language    string    `json:"language"`
	Text        string    `json:"text"`
	InterimText string    `json:"interim_text"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionState      = "scribe.session.state"

	// Scribe re-publishes its merged transcript apart from raw recognizer output.
	SubjectSessionFinal   = "scribe.transcript.final"
	SubjectSessionInterim = "scribe.transcript.interim"
)

// AudioFrameSubject returns the subject frames for sessionID are published on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
