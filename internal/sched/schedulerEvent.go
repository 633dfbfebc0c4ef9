// internal/sched/schedulerEvent.go

package sched

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusEnqueue
	StatusDispatch
	StatusPreempt
	StatusFinish
	StatusTick
	StatusYield
	StatusBlock
	StatusWake
	StatusThrottle
	StatusRelease
)

// StatusEvent is emitted every tick or on key actions
type StatusEvent struct {
	Tick     int64
	TimeNS   uint64 // simulated wall clock
	CPU      int
	Kind     StatusKind
	TaskID   TaskID
	Vruntime uint64
	Virtual  uint64 // the core's virtual time
	RanTicks int64
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusEnqueue:
		return "Enqueued"
	case StatusDispatch:
		return "Dispatch"
	case StatusPreempt:
		return "Preempt"
	case StatusFinish:
		return "Finish"
	case StatusTick:
		return "Tick"
	case StatusYield:
		return "Yield"
	case StatusBlock:
		return "Block"
	case StatusWake:
		return "Wake"
	case StatusThrottle:
		return "Throttle"
	case StatusRelease:
		return "Release"
	default:
		return "Unknown"
	}
}
