package pipeline

import (
	"encoding/json"
	"time"
)

// RecipeRequest represents a request to turn an ingredient photo into a recipe.
// Exactly one of ContentID or ImageB64 must be set.
type RecipeRequest struct {
	RequestID string            `json:"request_id,omitempty"`
	UserID    string            `json:"user_id"`
	ContentID string            `json:"content_id,omitempty"`
	ImageB64  string            `json:"image_b64,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RecipeResponse is returned for a synchronous recipe request.
// Result holds the cached payload bytes verbatim (a CachedResult document).
type RecipeResponse struct {
	RequestID       string          `json:"request_id"`
	Fingerprint     string          `json:"fingerprint,omitempty"`
	State           State           `json:"state"`
	CacheHit        bool            `json:"cache_hit"`
	Coalesced       bool            `json:"coalesced"`
	DedupeSeenCount int             `json:"dedupe_seen_count"`
	States          []State         `json:"states,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Failure         *Failure        `json:"failure,omitempty"`
}

// AsyncResponse is returned when a recipe run is enqueued
type AsyncResponse struct {
	RunID string `json:"run_id"`
}

// StatusResponse describes the current state of a request.
type StatusResponse struct {
	RequestID   string     `json:"request_id"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	State       State      `json:"state"`
	States      []State    `json:"states,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Failure     *Failure   `json:"failure,omitempty"`
}

// Failure is the structured, user-visible reason a request did not complete.
type Failure struct {
	Reason            Reason `json:"reason"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Reason enumerates terminal failure reasons
type Reason string

const (
	ReasonNoIngredients     Reason = "no-ingredients"
	ReasonDetectionFailure  Reason = "detection-failure"
	ReasonGenerationFailure Reason = "generation-failure"
	ReasonGenerationTimeout Reason = "generation-timeout"
	ReasonResourceExhausted Reason = "resource-exhausted"
	ReasonCancelled         Reason = "cancelled"
	ReasonConfiguration     Reason = "configuration"
	ReasonInvalidRequest    Reason = "invalid-request"
	ReasonInternal          Reason = "internal"
)

// State is a pipeline state machine state.
type State string

const (
	StateReceived   State = "Received"
	StateCacheCheck State = "CacheCheck"
	StateDetecting  State = "Detecting"
	StateSearching  State = "Searching"
	StateGenerating State = "Generating"
	StateCaching    State = "Caching"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobType constants
const (
	JobRecipe = "recipe"
)

// DerivedType constants (match simple-content conventions)
const (
	DerivedTypeRecipe = "recipe"
)
