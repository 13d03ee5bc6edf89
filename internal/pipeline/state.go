package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// EventType names something that happened during a step.
type EventType string

const (
	EventStarted         EventType = "started"
	EventProbeFailed     EventType = "probe_failed"
	EventStageStarted    EventType = "stage_started"
	EventStageCompleted  EventType = "stage_completed"
	EventStageSkipped    EventType = "stage_skipped"
	EventStageFailed     EventType = "stage_failed"
	EventCancelRequested EventType = "cancel_requested"
	EventCancelObserved  EventType = "cancel_observed"
	EventFinished        EventType = "finished"
)

// Event is emitted by Step. StageID and Index are set for stage events.
type Event struct {
	Type      EventType             `json:"type"`
	StageID   string                `json:"stage_id,omitempty"`
	Index     int                   `json:"index"`
	Message   string                `json:"message,omitempty"`
	Analytics *model.StageAnalytics `json:"analytics,omitempty"`
}

// ErrInvalidTransition is returned when an event does not apply to a state.
var ErrInvalidTransition = eris.New("pipeline: invalid transition")

// Transition is the run state machine. It has no side effects:
//
//	pending    --started-->          processing
//	pending    --probe_failed-->     error
//	pending    --cancel_requested--> cancelled
//	processing --stage_*-->          processing (stage_failed: error)
//	processing --finished-->         complete
//	processing --cancel_requested--> cancelling
//	cancelling --any settle event--> cancelled (stage_started: cancelling)
//
// Terminal states accept no events.
func Transition(state model.RunStatus, ev EventType) (model.RunStatus, error) {
	switch state {
	case model.RunStatusPending:
		switch ev {
		case EventStarted:
			return model.RunStatusProcessing, nil
		case EventProbeFailed:
			return model.RunStatusError, nil
		case EventCancelRequested:
			return model.RunStatusCancelled, nil
		}
	case model.RunStatusProcessing:
		switch ev {
		case EventStageStarted, EventStageCompleted, EventStageSkipped:
			return model.RunStatusProcessing, nil
		case EventStageFailed:
			return model.RunStatusError, nil
		case EventFinished:
			return model.RunStatusComplete, nil
		case EventCancelRequested:
			return model.RunStatusCancelling, nil
		}
	case model.RunStatusCancelling:
		switch ev {
		case EventCancelObserved, EventStageCompleted, EventStageSkipped, EventStageFailed, EventFinished:
			return model.RunStatusCancelled, nil
		case EventCancelRequested, EventStageStarted:
			return model.RunStatusCancelling, nil
		}
	}
	return state, eris.Wrapf(ErrInvalidTransition, "%s on %s", ev, state)
}
