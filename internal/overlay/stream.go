package overlay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// sseReader splits a text/event-stream body into data payloads.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(body io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(body)}
}

// Next returns the next event's data. Comment lines are skipped.
func (s *sseReader) Next() ([]byte, error) {
	var data bytes.Buffer
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data.Len() > 0 {
				return data.Bytes(), nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		if err == io.EOF {
			if data.Len() == 0 {
				return nil, io.EOF
			}
			return data.Bytes(), nil
		}
	}
}

// decodeEvent parses one stream message. ok is false for pings.
func decodeEvent(payload []byte) (state protocol.CaptionState, ok bool, err error) {
	var ev protocol.StreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return protocol.CaptionState{}, false, fmt.Errorf("decode stream event: %w", err)
	}
	switch ev.Type {
	case protocol.EventPing:
		return protocol.CaptionState{}, false, nil
	case protocol.EventSubtitleUpdate, "":
		return ev.CaptionState, true, nil
	}
	return protocol.CaptionState{}, false, fmt.Errorf("unknown stream event %q", ev.Type)
}
