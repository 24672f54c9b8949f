package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Action identifies the kind of a live update event.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDestroy Action = "destroy"
)

// Event is a live update pushed to every subscriber after a mutation.
// Create and update carry a full task snapshot, destroy only the id.
type Event struct {
	Action Action
	Task   Task
	ID     string
}

func CreateEvent(t Task) Event { return Event{Action: ActionCreate, Task: t, ID: t.ID} }
func UpdateEvent(t Task) Event { return Event{Action: ActionUpdate, Task: t, ID: t.ID} }
func DestroyEvent(id string) Event { return Event{Action: ActionDestroy, ID: id} }

// TaskID returns the id of the task the event refers to.
func (e Event) TaskID() string {
	if e.Action == ActionDestroy {
		return e.ID
	}
	return e.Task.ID
}

type eventWire struct {
	Action Action `json:"action"`
	Task   *Task  `json:"task,omitempty"`
	ID     string `json:"id,omitempty"`
}

// MarshalJSON renders the broadcast shape: {"action","task"} or {"action","id"}.
func (e Event) MarshalJSON() ([]byte, error) {
	w := eventWire{Action: e.Action}
	switch e.Action {
	case ActionCreate, ActionUpdate:
		t := e.Task
		w.Task = &t
	case ActionDestroy:
		w.ID = e.ID
	default:
		return nil, fmt.Errorf("unknown event action %q", e.Action)
	}
	return sonic.Marshal(w)
}

// UnmarshalJSON accepts the broadcast shape and rejects payloads whose
// fields do not match the action.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := sonic.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Action {
	case ActionCreate, ActionUpdate:
		if w.Task == nil || w.Task.ID == "" {
			return fmt.Errorf("%s event without task", w.Action)
		}
		*e = Event{Action: w.Action, Task: *w.Task, ID: w.Task.ID}
	case ActionDestroy:
		if w.ID == "" {
			return fmt.Errorf("destroy event without id")
		}
		*e = Event{Action: ActionDestroy, ID: w.ID}
	default:
		return fmt.Errorf("unknown event action %q", w.Action)
	}
	return nil
}

// ParseEvent decodes one live update payload.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	err := ev.UnmarshalJSON(data)
	return ev, err
}
