package coordinator

import "context"

// Events announced through the Notifier.
const (
	EventProgress = "progress"
	EventRound    = "rounds"
	EventDone     = "done"
)

// DoneReport is the payload of EventDone. EventProgress carries a
// ProgressReport and EventRound an fl.RoundState.
type DoneReport struct {
	Version  uint64         `json:"version"`
	Progress ProgressReport `json:"progress"`
	Error    string         `json:"error,omitempty"`
}

// Notifier publishes coordinator events to an external bus.
type Notifier interface {
	Notify(ctx context.Context, event string, payload any) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, any) error {
	return nil
}
