package executors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nervemind/nervemind/runtime/engineerrors"
	"github.com/nervemind/nervemind/runtime/execlog"
	"github.com/nervemind/nervemind/runtime/execution"
	"github.com/nervemind/nervemind/runtime/registry"
	"github.com/nervemind/nervemind/runtime/workflow"
)

// rateLimitExecutor throttles flow through a node with a token bucket shared
// across executions, so concurrent runs of the same workflow respect one
// budget. Modes: queue (wait for a token), delay (reserve and sleep), reject
// (fail with a rate-limited error).
type rateLimitExecutor struct {
	mu       sync.Mutex
	limiters map[string]*nodeLimiter
}

type nodeLimiter struct {
	lim   *rate.Limiter
	rps   float64
	burst int
}

func newRateLimitExecutor() *rateLimitExecutor {
	return &rateLimitExecutor{limiters: make(map[string]*nodeLimiter)}
}

func (e *rateLimitExecutor) Metadata() registry.Metadata {
	return registry.Metadata{
		Type:     "rateLimit",
		Category: registry.CategoryUtility,
		Inputs:   []string{workflow.HandleMain},
		Outputs:  []string{workflow.HandleMain},
	}
}

// limiter returns the node's shared token bucket, rebuilding it when the
// node's rate parameters changed since the last execution.
func (e *rateLimitExecutor) limiter(nodeID string, rps float64, burst int) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	nl, ok := e.limiters[nodeID]
	if !ok || nl.rps != rps || nl.burst != burst {
		nl = &nodeLimiter{
			lim:   rate.NewLimiter(rate.Limit(rps), burst),
			rps:   rps,
			burst: burst,
		}
		e.limiters[nodeID] = nl
	}
	return nl.lim
}

func (e *rateLimitExecutor) Execute(ctx context.Context, node workflow.Node, input registry.Input, ec *execution.Context) (registry.Output, error) {
	rps, err := floatParam(node, "requestsPerSecond", 1)
	if err != nil {
		return registry.Output{}, err
	}
	if rps <= 0 {
		return registry.Output{}, engineerrors.Config(node.ID, "requestsPerSecond", "must be positive")
	}
	burst, err := intParam(node, "burst", 1)
	if err != nil {
		return registry.Output{}, err
	}
	if burst < 1 {
		burst = 1
	}
	mode, err := stringParam(node, ec, nil, "mode", "queue")
	if err != nil {
		return registry.Output{}, err
	}
	lim := e.limiter(node.ID, rps, burst)

	switch mode {
	case "queue":
		start := time.Now()
		if err := lim.Wait(ctx); err != nil {
			return registry.Output{}, err
		}
		if waited := time.Since(start); waited > time.Millisecond {
			ec.Log(execlog.LevelInfo, execlog.CategoryRateLimit, node.ID,
				fmt.Sprintf("queued for %s", waited.Round(time.Millisecond)),
				map[string]any{"waitedMs": waited.Milliseconds()})
		}
	case "delay":
		res := lim.Reserve()
		if !res.OK() {
			return registry.Output{}, engineerrors.Config(node.ID, "burst", "reservation exceeds limiter burst")
		}
		if d := res.Delay(); d > 0 {
			ec.Log(execlog.LevelInfo, execlog.CategoryRateLimit, node.ID,
				fmt.Sprintf("delaying %s", d.Round(time.Millisecond)),
				map[string]any{"delayMs": d.Milliseconds()})
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				res.Cancel()
				return registry.Output{}, ctx.Err()
			}
		}
	case "reject":
		if !lim.Allow() {
			ec.Log(execlog.LevelWarn, execlog.CategoryRateLimit, node.ID,
				"admission rejected", map[string]any{"requestsPerSecond": rps})
			e := engineerrors.Newf(engineerrors.KindRateLimited, "node %q: rate limit exceeded", node.ID)
			e.NodeID = node.ID
			return registry.Output{}, e
		}
	default:
		return registry.Output{}, engineerrors.Config(node.ID, "mode", fmt.Sprintf("unknown mode %q", mode))
	}

	return mainOutput(input.Main()), nil
}
