package cloudllm

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"allma/internal/metrics"
)

const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

var ErrStreamClosed = errors.New("stream is closed")

// Stream is a single-pass sequence of text fragments from a streaming chat
// completion. Recv returns io.EOF on clean end of stream; abandoning the
// stream requires Close to release the underlying connection.
type Stream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	logger  zerolog.Logger
	metrics *metrics.Metrics
	closed  bool
	done    bool
}

func newStream(resp *http.Response, logger zerolog.Logger, m *metrics.Metrics) *Stream {
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Stream{
		resp:    resp,
		scanner: sc,
		logger:  logger,
		metrics: m,
	}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (s *Stream) Recv() (string, error) {
	if s.closed {
		return "", ErrStreamClosed
	}
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimPrefix(line, dataPrefix)
		if data == doneMarker {
			s.done = true
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.metrics.StreamChunksSkipped.Inc()
			s.logger.Debug().Err(err).Msg("skipping malformed stream chunk")
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		return "", err
	}

	// Provider closed the connection without sending [DONE].
	s.done = true
	return "", io.EOF
}

// Close releases the streaming connection. Safe to call more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.resp != nil && s.resp.Body != nil {
		return s.resp.Body.Close()
	}
	return nil
}
