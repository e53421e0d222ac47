package recognition

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
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/mattn/go-shellwords"
)

// WhisperBackend transcribes audio in fixed-length chunks. A capture command
// streams raw s16le PCM on stdout; every chunk is written to a temporary WAV
// file and handed to a transcription command that prints {"text": "..."}.
type WhisperBackend struct {
	capture    []string
	transcribe []string
	modelPath  string
	sampleRate int
	channels   int
	chunk      time.Duration
}

type transcription struct {
	Text string `json:"text"`
}

func NewWhisperBackend(cfg config.RecognitionConfig) (*WhisperBackend, error) {
	parser := shellwords.NewParser()
	capture, err := parser.Parse(cfg.CaptureCommand)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	transcribe, err := parser.Parse(cfg.TranscribeCommand)
	if err != nil {
		return nil, fmt.Errorf("parse transcribe command: %w", err)
	}
	if len(capture) == 0 || len(transcribe) == 0 {
		return nil, errors.New("whisper backend needs capture and transcribe commands")
	}
	b := &WhisperBackend{
		capture:    capture,
		transcribe: transcribe,
		modelPath:  cfg.ModelPath,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		chunk:      msOr(cfg.ChunkDurationMS, 3000),
	}
	if b.sampleRate <= 0 {
		b.sampleRate = 16000
	}
	if b.channels <= 0 {
		b.channels = 1
	}
	return b, nil
}

func (b *WhisperBackend) Name() string { return "whisper" }

// Prepare checks that both commands resolve to executables.
func (b *WhisperBackend) Prepare() error {
	for _, bin := range []string{b.capture[0], b.transcribe[0]} {
		if _, err := exec.LookPath(bin); err != nil {
			return &Error{Code: CodeUnsupported, Err: err}
		}
	}
	if b.modelPath != "" {
		if _, err := os.Stat(b.modelPath); err != nil {
			return &Error{Code: CodeUnsupported, Message: "model not found", Err: err}
		}
	}
	return nil
}

func (b *WhisperBackend) chunkBytes() int {
	return int(b.chunk.Seconds() * float64(b.sampleRate*b.channels*2))
}

func (b *WhisperBackend) Run(ctx context.Context, language string, emit func(Event)) error {
	captureCtx, cancel := context.WithCancel(ctx)
	captureCmd := exec.CommandContext(captureCtx, b.capture[0], b.capture[1:]...)
	stdout, err := captureCmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := captureCmd.Start(); err != nil {
		cancel()
		if errors.Is(err, exec.ErrNotFound) {
			return &Error{Code: CodeUnsupported, Err: err}
		}
		return &Error{Code: CodeAudioCapture, Err: err}
	}
	defer func() {
		cancel()
		_ = captureCmd.Wait()
	}()

	// capture keeps streaming while a chunk is transcribed
	chunks := make(chan []byte, 4)
	readErr := make(chan error, 1)
	go func() {
		defer close(chunks)
		size := b.chunkBytes()
		for {
			buf := make([]byte, size)
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				n -= n % 2
				select {
				case chunks <- buf[:n]:
				default:
					// transcription is behind; drop the chunk rather than lag
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for pcm := range chunks {
		if ctx.Err() != nil {
			break
		}
		if len(pcm) == 0 {
			continue
		}
		emit(Event{Kind: EventStatus, Text: "transcribing"})
		text, err := b.transcribeChunk(ctx, pcm, language)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return &Error{Code: CodeNetwork, Message: "transcription failed", Err: err}
		}
		if text != "" {
			emit(Event{Kind: EventInterim, Text: text})
			emit(Event{Kind: EventFinal, Text: text})
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case err := <-readErr:
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return &Error{Code: CodeAudioCapture, Message: "capture stream ended"}
		}
		return &Error{Code: CodeAudioCapture, Err: err}
	default:
	}
	return nil
}

func (b *WhisperBackend) transcribeChunk(ctx context.Context, pcm []byte, language string) (string, error) {
	file, err := os.CreateTemp("", "loqa_caption_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, b.sampleRate, b.channels); err != nil {
		return "", err
	}

	args := append([]string{}, b.transcribe[1:]...)
	args = append(args, "--audio", file.Name())
	if b.modelPath != "" {
		args = append(args, "--model", b.modelPath)
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	command := exec.CommandContext(ctx, b.transcribe[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("transcribe command failed: %w: %s", err, stderr.String())
	}

	var resp transcription
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
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
