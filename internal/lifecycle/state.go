package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// State 表示 worker 所处的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// Phase 标识出错的生命周期事件。
type Phase string

const (
	PhaseInstall  Phase = "install"
	PhaseActivate Phase = "activate"
	PhaseFetch    Phase = "fetch"
)

var (
	// ErrNoWaitingWorker 表示 Promote 时没有处于等待状态的 worker。
	ErrNoWaitingWorker = errors.New("no waiting worker")
	// ErrHandlerPanic 表示 Handler 在事件处理中发生 panic。
	ErrHandlerPanic = errors.New("lifecycle handler panicked")
)

// PhaseError 记录失败的阶段与 worker 名称。
type PhaseError struct {
	Phase  Phase
	Worker string
	Err    error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Worker, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// WorkerStatus 是单个 worker 的状态快照。
type WorkerStatus struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	SkipWaiting  bool      `json:"skip_waiting"`
	Claimed      bool      `json:"claimed"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Status 汇总 Runtime 当前的 worker 状态。
type Status struct {
	Active     *WorkerStatus `json:"active,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Installing *WorkerStatus `json:"installing,omitempty"`
}
