package domain

import "time"

// Quota is the per-caller allowance for each sliding window. It is supplied
// on every check; a non-positive value makes that window always deny.
type Quota struct {
	PerMinute int `json:"requestsPerMinute"`
	PerHour   int `json:"requestsPerHour"`
	PerDay    int `json:"requestsPerDay"`
}

// Usage holds one value per window granularity.
type Usage struct {
	Minute int64 `json:"minute"`
	Hour   int64 `json:"hour"`
	Day    int64 `json:"day"`
}

// ResetTimes holds the instant each window's newest consumption expires.
type ResetTimes struct {
	Minute time.Time `json:"minute"`
	Hour   time.Time `json:"hour"`
	Day    time.Time `json:"day"`
}
