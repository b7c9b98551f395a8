package pulse

import (
	"context"
	"errors"

	clientspulse "github.com/nervemind/nervemind/features/stream/pulse/clients/pulse"
	"github.com/nervemind/nervemind/runtime/execlog"
)

// Streams wires a caller-provided Pulse client into the execution logger. It
// owns the publishing sink and the bridge that decouples publishing from the
// scheduler, and can spawn subscribers reusing the same client so services do
// not manage multiple Redis connections.
type Streams struct {
	sink   *Sink
	bridge *execlog.Bridge
	client clientspulse.Client
}

// StreamsOptions configures NewStreams.
type StreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// Required.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink. Leave
	// zero-valued for defaults.
	Sink Options
	// BridgeCapacity bounds the record buffer between logger and sink.
	// Values below 1 use the bridge default.
	BridgeCapacity int
}

// NewStreams builds the publishing pipeline. Register the returned handler on
// the engine logger and keep the helper around to create subscribers later.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &Streams{
		sink:   sink,
		bridge: execlog.NewBridge(sink, opts.BridgeCapacity),
		client: opts.Client,
	}, nil
}

// Handler exposes the bridge for registration on an execlog.Logger.
func (s *Streams) Handler() execlog.Handler {
	return s.bridge
}

// NewSubscriber constructs a subscriber reusing the helper's client.
func (s *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = s.client
	return NewSubscriber(opts)
}

// Close flushes buffered records and shuts the sink down. Remove the handler
// from the logger first.
func (s *Streams) Close(ctx context.Context) error {
	s.bridge.Close()
	return s.sink.Close(ctx)
}
