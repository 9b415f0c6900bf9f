package models

import "time"

// TokenUsageRecord is one row of per-call accounting. Records are born on
// every completed (or failed) LLM attempt, buffered in the coordination
// store, and batch-persisted to the token_usage table. Never mutated after
// persistence.
type TokenUsageRecord struct {
	UserID           int64     `json:"user_id" db:"user_id"`
	OrgID            *int64    `json:"org_id,omitempty" db:"org_id"`
	Model            string    `json:"model" db:"model"`
	PromptTokens     int       `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens" db:"completion_tokens"`
	RequestType      string    `json:"request_type" db:"request_type"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// UsageSummary aggregates token_usage rows for the admin surface.
type UsageSummary struct {
	Model            string `json:"model" db:"model"`
	Requests         int64  `json:"requests" db:"requests"`
	PromptTokens     int64  `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens" db:"completion_tokens"`
}
