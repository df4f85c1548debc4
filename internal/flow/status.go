package flow

import "fmt"

// Status is a task's position in its lifecycle. Ordinary transitions only
// move forward; the single exception is the bounded error->ready restart.
type Status int

const (
	StatusInit Status = iota
	StatusReady
	StatusRunning
	StatusDone
	StatusOK
	StatusError
)

var statusNames = map[Status]string{
	StatusInit:    "init",
	StatusReady:   "ready",
	StatusRunning: "running",
	StatusDone:    "done",
	StatusOK:      "ok",
	StatusError:   "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transitions are possible, restarts
// aside.
func (s Status) Terminal() bool { return s == StatusOK || s == StatusError }

func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("flow: unknown status %q", name)
}
