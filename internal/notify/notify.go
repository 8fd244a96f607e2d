// Package notify provides fire-and-forget event sinks for the engine and the
// trigger. Emit never blocks the caller; slow sinks drop.
package notify

import (
	"encoding/json"

	logx "taskherd/pkg/logx"
)

// LogNotifier writes every event to the structured log. It is the default
// sink when no external channel is configured.
type LogNotifier struct {
	log logx.Logger
}

func NewLogNotifier(log logx.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Emit(event string, payload any) {
	if n == nil {
		return
	}
	n.log.Debug("event", logx.String("event", event), logx.Any("payload", payload))
}

// Multi fans an event out to several notifiers in order.
type Multi []interface{ Emit(event string, payload any) }

func (m Multi) Emit(event string, payload any) {
	for _, n := range m {
		if n != nil {
			n.Emit(event, payload)
		}
	}
}

func compactJSON(payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(b)
}
