package queue

import (
	"time"

	"github.com/SirClappington/flowgate/internal/domain"
)

type EventType int

const (
	EventPublished EventType = iota
	EventClaimed
	EventCompleted
	EventRetryScheduled
	EventFailed
	EventReleased
	EventRecovered
)

func (t EventType) String() string {
	switch t {
	case EventPublished:
		return "published"
	case EventClaimed:
		return "claimed"
	case EventCompleted:
		return "completed"
	case EventRetryScheduled:
		return "retry_scheduled"
	case EventFailed:
		return "failed"
	case EventReleased:
		return "released"
	case EventRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// Event describes one job lifecycle transition. Job is a snapshot taken after
// the transition; it is empty for EventRecovered, which reports Count instead.
type Event struct {
	Type    EventType
	Job     domain.Job
	At      time.Time
	Err     error
	RetryAt *time.Time
	Count   int64
}
