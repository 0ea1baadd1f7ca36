package tenant

import (
	"github.com/google/uuid"
)

// TaskKind says what scheduled a task.
type TaskKind int

const (
	// TaskEntry is the top-level execution of a script after load.
	TaskEntry TaskKind = iota
	// TaskInvocation is an incoming command or interaction.
	TaskInvocation
	// TaskTimer is a fired timer callback.
	TaskTimer
	// TaskContinuation resumes a task suspended on a host call.
	TaskContinuation
)

func (k TaskKind) String() string {
	switch k {
	case TaskEntry:
		return "entry"
	case TaskInvocation:
		return "invocation"
	case TaskTimer:
		return "timer"
	case TaskContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// export returns the guest function a task kind invokes.
func (k TaskKind) export() string {
	switch k {
	case TaskEntry:
		return "start"
	case TaskTimer:
		return "on-timer"
	case TaskContinuation:
		return "resume"
	default:
		return "handle"
	}
}

// TaskState is the lifecycle state of a task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskSuspended
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one schedulable unit of script execution. Created by an incoming
// event or by a prior task arming a continuation; destroyed on completion
// or with its owning runtime.
type Task struct {
	ID       string
	Kind     TaskKind
	ScriptID string
	Payload  []byte
	Seq      uint64
	State    TaskState

	// Err records the failure for TaskFailed.
	Err error
}

// Event is an incoming unit of work destined for one tenant.
type Event struct {
	Guild    string
	Kind     TaskKind
	ScriptID string
	Payload  []byte
	// Call identifies the suspended host call a continuation completes.
	Call uint32
}

func newTask(ev Event, seq uint64) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Kind:     ev.Kind,
		ScriptID: ev.ScriptID,
		Payload:  ev.Payload,
		Seq:      seq,
		State:    TaskPending,
	}
}
