// Package meter records granted consumptions as usage events. Events are
// buffered and flushed in batches; they feed statistics and are never
// read back for admission.
package meter

import (
	"time"

	"github.com/xraph/quota/id"
)

type UsageEvent struct {
	ID        id.UsageEventID `json:"id"`
	UserID    int64           `json:"user_id"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
}
