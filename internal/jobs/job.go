// Package jobs runs long operations as resumable state machines on a
// priority-ordered worker pool.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/otcheredev/ris-dicom-store/internal/errcode"
)

// State of a job in the registry
type State int

const (
	StatePending State = iota + 1
	StateRunning
	StateSuccess
	StateFailure
	StatePaused
	StateRetry
)

var stateNames = map[State]string{
	StatePending: "Pending",
	StateRunning: "Running",
	StateSuccess: "Success",
	StateFailure: "Failure",
	StatePaused:  "Paused",
	StateRetry:   "Retry",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", name)
}

// IsCompleted reports whether the state is final
func (s State) IsCompleted() bool {
	return s == StateSuccess || s == StateFailure
}

// StepCode is the outcome kind of one Step
type StepCode int

const (
	StepContinue StepCode = iota
	StepSuccess
	StepFailure
	StepRetry
)

// StepResult is returned by Job.Step
type StepResult struct {
	Code       StepCode
	Err        error
	RetryAfter time.Duration
}

// Continue asks for another step
func Continue() StepResult { return StepResult{Code: StepContinue} }

// Success completes the job
func Success() StepResult { return StepResult{Code: StepSuccess} }

// Failure completes the job with an error
func Failure(err error) StepResult {
	if err == nil {
		err = errcode.New(errcode.InternalError, "job failed without an error")
	}
	return StepResult{Code: StepFailure, Err: err}
}

// Retry parks the job and requeues it after the delay
func Retry(after time.Duration) StepResult {
	return StepResult{Code: StepRetry, RetryAfter: after}
}

// StopReason tells a job why it left the Running state
type StopReason int

const (
	StopSuccess StopReason = iota
	StopFailure
	StopPaused
	StopCanceled
	StopRetry
	StopShutdown
)

// Job is one unit of long-running work. Step executes a small amount of work;
// cancellation and pausing are only observed between steps.
type Job interface {
	Type() string
	Step(ctx context.Context, jobID string) StepResult
	Stop(reason StopReason)
	// Reset prepares a failed job for resubmission
	Reset() error
	Progress() float64
	Content() map[string]interface{}
}

// Serializable jobs survive restarts through the jobs registry snapshot
type Serializable interface {
	Serialize() (json.RawMessage, error)
}

// Unserializer rebuilds a job of one type from its snapshot
type Unserializer func(data json.RawMessage) (Job, error)

// Disposable jobs release their resources once forgotten from the history
type Disposable interface {
	Dispose()
}

// Output is a file produced by a finished job
type Output struct {
	Path     string
	MimeType string
	Filename string
}

// OutputProvider is implemented by jobs that produce downloadable outputs
type OutputProvider interface {
	Output(key string) (Output, bool)
}

// Info is the public description of a job
type Info struct {
	ID               string                 `json:"ID"`
	Type             string                 `json:"Type"`
	State            State                  `json:"State"`
	Priority         int                    `json:"Priority"`
	Progress         int                    `json:"Progress"`
	ErrorCode        int                    `json:"ErrorCode"`
	ErrorDescription string                 `json:"ErrorDescription"`
	ErrorDetails     string                 `json:"ErrorDetails,omitempty"`
	CreationTime     string                 `json:"CreationTime"`
	CompletionTime   string                 `json:"CompletionTime,omitempty"`
	EffectiveRuntime float64                `json:"EffectiveRuntime"`
	Content          map[string]interface{} `json:"Content"`
}
