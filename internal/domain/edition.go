package domain

import "time"

// Edition groups the distances and roster batches of one event occurrence.
type Edition struct {
	ID        string
	Name      string
	StartsAt  time.Time
	CreatedAt time.Time
}
