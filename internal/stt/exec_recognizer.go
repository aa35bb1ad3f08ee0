package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// Placeholders expanded in stt.command. When none is present the audio, model
// and language are appended as --audio/--model/--language flags instead.
const (
	placeholderAudio    = "{audio}"
	placeholderModel    = "{model}"
	placeholderLanguage = "{language}"
	placeholderMode     = "{mode}"
)

// ExecRecognizer runs an external model command once per pass. The command
// reads a WAV file and prints either {"text":..,"confidence":..} or the bare
// transcript on stdout.
type ExecRecognizer struct {
	argv      []string
	templated bool
	modelPath string
	tmpDir    string

	// serializes passes
	mu sync.Mutex
}

type execOutput struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	argv, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("stt command is empty")
	}
	r := &ExecRecognizer{argv: argv, modelPath: cfg.ModelPath, tmpDir: os.TempDir()}
	for _, arg := range argv[1:] {
		if strings.Contains(arg, "{") {
			r.templated = true
			break
		}
	}
	return r, nil
}

// args builds the argument list for one pass over audioPath.
func (r *ExecRecognizer) args(audioPath string, req TranscribeRequest) []string {
	mode := "final"
	if !req.Final {
		mode = "partial"
	}
	if r.templated {
		expand := strings.NewReplacer(
			placeholderAudio, audioPath,
			placeholderModel, r.modelPath,
			placeholderLanguage, req.Language,
			placeholderMode, mode,
		)
		out := make([]string, 0, len(r.argv)-1)
		for _, arg := range r.argv[1:] {
			out = append(out, expand.Replace(arg))
		}
		return out
	}
	out := append([]string{}, r.argv[1:]...)
	out = append(out, "--audio", audioPath)
	if r.modelPath != "" {
		out = append(out, "--model", r.modelPath)
	}
	if req.Language != "" {
		out = append(out, "--language", req.Language)
	}
	if !req.Final {
		out = append(out, "--partial")
	}
	return out
}

func (r *ExecRecognizer) Transcribe(ctx context.Context, req TranscribeRequest) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(r.tmpDir, "loqa_scribe_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())

	err = EncodeWAV(file, req.PCM, req.SampleRate, req.Channels)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return TranscriptResult{}, err
	}

	command := exec.CommandContext(ctx, r.argv[0], r.args(file.Name(), req)...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseOutput(stdout.Bytes())
}

func parseOutput(data []byte) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return TranscriptResult{}, nil
	}
	if trimmed[0] != '{' {
		return TranscriptResult{Text: string(trimmed)}, nil
	}
	var out execOutput
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(out.Text), Confidence: out.Confidence}, nil
}

// EncodeWAV writes 16-bit little-endian PCM as a WAV stream.
func EncodeWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned to 16-bit samples")
	}
	if channels <= 0 {
		channels = 1
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
