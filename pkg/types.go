package pkg

import (
	"time"
)

// Core types shared between the workflow engine, the capability clients and
// the API layer. Everything here crosses the wire, so fields carry JSON tags.

// StageStatus is the merged outcome of one workflow stage.
type StageStatus string

const (
	StageOK      StageStatus = "ok"      // every sub-call succeeded
	StagePartial StageStatus = "partial" // at least one sub-call succeeded
	StageFailed  StageStatus = "failed"  // all sub-calls failed
)

// StageResult is the merged output of a single stage execution. For a
// parallel stage the payload is keyed by capability name; missing results
// are replaced with an explicit unavailable marker rather than omitted.
type StageResult struct {
	Stage   string         `json:"stage"`
	Status  StageStatus    `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// EventKind classifies progress events emitted during a workflow run.
type EventKind string

const (
	EventPhaseStarted   EventKind = "phase-started"
	EventPhaseCompleted EventKind = "phase-completed"
	EventPhaseFailed    EventKind = "phase-failed"
	EventFinalResult    EventKind = "final-result"
)

// StreamEvent is one record on the run's event stream. Sequence numbers are
// scoped to a single run, start at 0 and are gapless; exactly one
// final-result event terminates every non-cancelled run.
type StreamEvent struct {
	Sequence int            `json:"sequence"`
	Kind     EventKind      `json:"kind"`
	Data     map[string]any `json:"data,omitempty"`
}

// ConversationTurn is one entry in a session's history. Turns are immutable
// once appended; ordering is append order.
type ConversationTurn struct {
	Role        string         `json:"role"` // user, assistant
	Content     string         `json:"content"`
	Attachments map[string]any `json:"attachments,omitempty"`
}

// ResearchResult is the structured output of the research capability.
type ResearchResult struct {
	Summary   string   `json:"summary"`
	Sources   []string `json:"sources,omitempty"`
	Relevance string   `json:"relevance,omitempty"`
}

// AnalysisResult is the structured output of the analyst capability.
type AnalysisResult struct {
	Insights map[string]any `json:"insights"`
	Methods  []string       `json:"methods,omitempty"`
	Code     string         `json:"code,omitempty"`
}

// StorySection is one heading/content block of a narrated data story.
type StorySection struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// Story is the narrated answer produced by the narrate capability.
type Story struct {
	Title     string         `json:"title"`
	Summary   string         `json:"summary"`
	Sections  []StorySection `json:"sections,omitempty"`
	Insights  []string       `json:"insights,omitempty"`
	NextSteps []string       `json:"next_steps,omitempty"`
}

// ColumnStats holds the numeric summary values for one column.
type ColumnStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// ColumnInfo holds per-column profiling facts.
type ColumnInfo struct {
	Type       string  `json:"type"`
	Unique     int     `json:"unique_values"`
	Missing    int     `json:"missing"`
	MissingPct float64 `json:"missing_pct"`
}

// Correlation records a notable pairwise correlation between two numeric
// columns (|r| > 0.5).
type Correlation struct {
	Columns     [2]string `json:"columns"`
	Correlation float64   `json:"correlation"`
}

// ProfileSummary is the structured output of the profile capability and the
// cached profiling summary stored on a session.
type ProfileSummary struct {
	Rows          int                    `json:"rows"`
	Columns       []string               `json:"columns"`
	Dtypes        map[string]string      `json:"dtypes"`
	ColumnInfo    map[string]ColumnInfo  `json:"column_info"`
	NumericStats  map[string]ColumnStats `json:"numeric_stats,omitempty"`
	MissingCells  int                    `json:"missing_cells"`
	DuplicateRows int                    `json:"duplicate_rows"`
	Correlations  []Correlation          `json:"correlations,omitempty"`
	Summary       string                 `json:"summary"`
}

// FinalResult is the payload of the terminal final-result event. Degraded is
// set when narration failed and the answer was rebuilt from the analysis
// output alone.
type FinalResult struct {
	Story    *Story          `json:"story,omitempty"`
	Analysis *AnalysisResult `json:"analysis,omitempty"`
	Degraded bool            `json:"degraded,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SessionMetadata is the session-facing read model returned to API callers.
type SessionMetadata struct {
	SessionID     string             `json:"session_id"`
	DatasetRef    string             `json:"dataset_ref"`
	Description   string             `json:"description,omitempty"`
	CachedProfile *ProfileSummary    `json:"cached_profile,omitempty"`
	Turns         []ConversationTurn `json:"turns"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}
