package capability

import (
	"context"
	"errors"
	"fmt"

	"datastory/pkg"
)

// Capability names as they appear in stage payloads and event data.
const (
	NameResearch = "research"
	NameProfile  = "profile"
	NameAnalyze  = "analyze"
	NameNarrate  = "narrate"
)

// Kind classifies capability call failures.
type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindTransport     Kind = "transport-error"
	KindInvalidOutput Kind = "invalid-output"
)

// Error is a classified capability failure. The stage executor retries
// timeout and transport-error once; invalid-output is surfaced immediately.
type Error struct {
	Capability string
	Kind       Kind
	Cause      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Capability, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a failed call may be retried.
func (e *Error) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransport
}

func Timeout(name string, cause error) *Error {
	return &Error{Capability: name, Kind: KindTimeout, Cause: cause}
}

func Transport(name string, cause error) *Error {
	return &Error{Capability: name, Kind: KindTransport, Cause: cause}
}

func InvalidOutput(name string, cause error) *Error {
	return &Error{Capability: name, Kind: KindInvalidOutput, Cause: cause}
}

// Classify wraps an arbitrary invocation error into a capability Error,
// mapping context expiry to timeout and leaving already-classified errors
// untouched.
func Classify(name string, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout(name, err)
	}
	return Transport(name, err)
}

// DatasetContext describes the dataset a query runs against. The engine
// builds it once per run from the session and dataset registry.
type DatasetContext struct {
	Ref         string   `json:"ref"`
	Filename    string   `json:"filename,omitempty"`
	Description string   `json:"description,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	SampleCSV   []byte   `json:"-"`
}

// Input is the accumulated context handed to a capability call. Stages only
// ever extend it; members of a parallel stage all receive the same value.
type Input struct {
	Query       string
	Dataset     DatasetContext
	History     []pkg.ConversationTurn
	Research    *pkg.ResearchResult
	Profile     *pkg.ProfileSummary
	Analysis    *pkg.AnalysisResult
	Unavailable []string // capability names whose output is missing
}

// Output is one capability's structured result. Exactly one of the typed
// fields is set, matching the capability that produced it.
type Output struct {
	Capability string              `json:"capability"`
	Research   *pkg.ResearchResult `json:"research,omitempty"`
	Profile    *pkg.ProfileSummary `json:"profile,omitempty"`
	Analysis   *pkg.AnalysisResult `json:"analysis,omitempty"`
	Story      *pkg.Story          `json:"story,omitempty"`
}

// Capability is the uniform adapter over one external analytic capability.
// Invoke must honor ctx cancellation and deadline, has no observable side
// effects and never retries internally.
type Capability interface {
	Name() string
	Invoke(ctx context.Context, in Input) (*Output, error)
}
