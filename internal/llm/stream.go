package llm

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/tmc/langchaingo/llms"
)

// Stream is a single-pass sequence of reply fragments. A producer goroutine
// pushes fragments on an unbuffered channel, so at most one is in flight.
type Stream struct {
	frames chan string
	cancel context.CancelFunc

	// err is written before frames is closed and read only after.
	err error
}

func startStream(ctx context.Context, m llms.Model, content []llms.MessageContent) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		frames: make(chan string),
		cancel: cancel,
	}
	go s.produce(ctx, m, content)
	return s
}

func (s *Stream) produce(ctx context.Context, m llms.Model, content []llms.MessageContent) {
	defer close(s.frames)

	_, err := m.GenerateContent(ctx, content, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		// frames without a text delta are expected
		if len(chunk) == 0 {
			return nil
		}
		select {
		case s.frames <- string(chunk):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	if err == nil {
		err = ctx.Err()
	}
	s.err = err
}

// Next returns the next fragment, io.EOF once the provider finished, or an
// ErrCompletionFailure. Fragments returned before a failure stay valid.
func (s *Stream) Next() (string, error) {
	if frame, ok := <-s.frames; ok {
		return frame, nil
	}
	if s.err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompletionFailure, s.err)
	}
	return "", io.EOF
}

// All ranges over the remaining fragments. Iteration stops after the first
// error; breaking out early closes the stream.
func (s *Stream) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			frame, err := s.Next()
			if err == io.EOF {
				return
			}
			if !yield(frame, err) || err != nil {
				s.Close()
				return
			}
		}
	}
}

// Close aborts the request if it is still running and waits for the producer
// to stop. It is safe to call more than once.
func (s *Stream) Close() error {
	s.cancel()
	for range s.frames {
	}
	return nil
}
