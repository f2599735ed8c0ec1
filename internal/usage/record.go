package usage

import "time"

// Record captures a single completed (or failed) chat completion request.
type Record struct {
	Model       string    `json:"model"`
	ClientKey   string    `json:"client_key"`
	Account     string    `json:"account"`
	RequestedAt time.Time `json:"requested_at"`
	Streamed    bool      `json:"streamed"`
	Failed      bool      `json:"failed"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// AggregatedStats represents summary statistics for a time period.
type AggregatedStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`
}

// DailyStats represents aggregated metrics for a single day.
type DailyStats struct {
	Day      string `json:"day"` // Format: "2006-01-02"
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// HourlyStats represents aggregated metrics for an hour of the day.
type HourlyStats struct {
	Hour     int   `json:"hour"` // 0-23
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// ModelStats represents aggregated metrics per model.
type ModelStats struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	SuccessCount     int64  `json:"success_count"`
	FailureCount     int64  `json:"failure_count"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	ReasoningTokens  int64  `json:"reasoning_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// AccountStats represents aggregated metrics per upstream account.
type AccountStats struct {
	Account      string `json:"account"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	TotalTokens  int64  `json:"total_tokens"`
}
