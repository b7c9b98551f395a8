package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/nervemind/nervemind/features/stream/pulse/clients/pulse"
	"github.com/nervemind/nervemind/runtime/execlog"
)

type (
	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume records. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "nervemind_subscriber".
		SinkName string
		// Buffer is the record channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes an execution's Pulse stream and emits the log
	// records published by a Sink.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "nervemind_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens a consumer group on the execution's stream and returns
// channels for records and errors. The returned cancel function stops
// consumption, closes the sink and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	executionID string,
	opts ...streamopts.Sink,
) (<-chan execlog.Record, <-chan error, context.CancelFunc, error) {
	if executionID == "" {
		return nil, nil, nil, errors.New("execution id is required")
	}
	str, err := s.client.Stream(fmt.Sprintf("execution/%s", executionID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	records := make(chan execlog.Record, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, records, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return records, errs, cancelFunc, nil
}

// consume reads events from the sink, decodes them and emits them on out,
// acking each after successful emission.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- execlog.Record, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var rec execlog.Record
			if err := json.Unmarshal(evt.Payload, &rec); err != nil {
				errs <- fmt.Errorf("pulse decode record: %w", err)
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}
