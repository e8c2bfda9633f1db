package upstream

import (
	"fmt"
	"time"
)

// RateLimitError reports an upstream-imposed ban or rate limit. ResumeAt is
// the earliest time at which polling may continue; it gates all symbols, not
// just the one whose fetch tripped the limit.
type RateLimitError struct {
	Provider string
	ResumeAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream %s rate limited until %s", e.Provider, e.ResumeAt.Format(time.RFC3339))
}
