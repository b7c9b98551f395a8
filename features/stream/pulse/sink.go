// Package pulse publishes execution log records to goa.design/pulse streams
// so UIs and other processes can follow runs live. Each execution gets its own
// stream named execution/<id>; the sink plugs into the execution logger
// through an execlog.Bridge so publishing latency never reaches the scheduler.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "github.com/nervemind/nervemind/features/stream/pulse/clients/pulse"
	"github.com/nervemind/nervemind/runtime/execlog"
)

type (
	// Options configures the sink.
	Options struct {
		// Client is the Pulse client used to publish records. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from a record. Defaults to
		// execution/<ExecutionID>.
		StreamID func(execlog.Record) (string, error)
		// OnError receives publish failures. Nil drops them; the execution
		// itself never fails because streaming does.
		OnError func(error)
	}

	// Sink implements execlog.Observer by publishing records to Pulse
	// streams. Safe for concurrent Post calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(execlog.Record) (string, error)
		onError  func(error)
	}
)

// NewSink constructs a Pulse-backed record sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: defaultStreamID,
		onError:  opts.OnError,
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	return s, nil
}

// Post implements execlog.Observer. Failures are reported to OnError and
// otherwise dropped: log transport must never abort an execution.
func (s *Sink) Post(ctx context.Context, rec execlog.Record) {
	if err := s.publish(ctx, rec); err != nil && s.onError != nil {
		s.onError(err)
	}
}

func (s *Sink) publish(ctx context.Context, rec execlog.Record) error {
	streamID, err := s.streamID(rec)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := handle.Add(ctx, string(rec.Category), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the stream name from the record's execution id.
func defaultStreamID(rec execlog.Record) (string, error) {
	if rec.ExecutionID == "" {
		return "", errors.New("record missing execution id")
	}
	return fmt.Sprintf("execution/%s", rec.ExecutionID), nil
}
