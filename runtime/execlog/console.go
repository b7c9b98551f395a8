package execlog

import (
	"context"
	"encoding/json"

	"goa.design/clue/log"
)

// levelIcons prefix console lines so levels scan at a glance in mixed output.
var levelIcons = map[Level]string{
	LevelTrace: "··",
	LevelDebug: "··",
	LevelInfo:  "✓",
	LevelWarn:  "⚠",
	LevelError: "✗",
	LevelFatal: "✗✗",
}

// Console formats records as single log lines through goa.design/clue/log.
// It is safe to use before, during and after a run; enablement and minimum
// level are driven by settings at construction time.
type Console struct {
	ctx      context.Context
	minLevel Level
	enabled  bool
}

// NewConsole constructs a console handler. The provided context carries the
// clue logger configuration (format, debug flag); use log.Context at process
// start to build it.
func NewConsole(ctx context.Context, minLevel Level, enabled bool) *Console {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Console{ctx: ctx, minLevel: minLevel, enabled: enabled}
}

// Handle implements Handler.
func (c *Console) Handle(rec Record) {
	if !c.enabled || rec.Level < c.minLevel {
		return
	}
	fielders := []log.Fielder{
		log.KV{K: "msg", V: levelIcons[rec.Level] + " " + rec.Message},
		log.KV{K: "execution_id", V: rec.ExecutionID},
		log.KV{K: "category", V: string(rec.Category)},
	}
	if rec.NodeID != "" {
		fielders = append(fielders, log.KV{K: "node_id", V: rec.NodeID})
	}
	if len(rec.Context) > 0 {
		if data, err := json.Marshal(rec.Context); err == nil {
			fielders = append(fielders, log.KV{K: "context", V: string(data)})
		}
	}
	switch rec.Level {
	case LevelTrace, LevelDebug:
		log.Debug(c.ctx, fielders...)
	case LevelInfo:
		log.Info(c.ctx, fielders...)
	case LevelWarn:
		log.Warn(c.ctx, fielders...)
	default:
		log.Error(c.ctx, nil, fielders...)
	}
}
