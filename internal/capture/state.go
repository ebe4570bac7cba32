package capture

// BufferState records which party owns a pool slot. A slot is in exactly one
// state at a time.
type BufferState int32

const (
	// Owned by the pool; nobody reads or writes the bytes.
	FreeInPool BufferState = iota

	// Owned by the driver. Userspace must not touch the bytes.
	QueuedToKernel

	// Dequeued and owned by the capture loop or the consumer. Must not be
	// queued to the driver again until its done token fires.
	InFlightToConsumer
)

func (s BufferState) String() string {
	switch s {
	case FreeInPool:
		return "FreeInPool"
	case QueuedToKernel:
		return "QueuedToKernel"
	case InFlightToConsumer:
		return "InFlightToConsumer"
	default:
		return "BufferState(?)"
	}
}

// LoopState is the lifecycle of a Session's capture loop.
type LoopState int32

const (
	Idle LoopState = iota
	Running
	Draining
	Stopped
)

func (s LoopState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	default:
		return "LoopState(?)"
	}
}
