package budget

import "time"

// Record tracks one skill's slice of the shared token pool. Priority only
// matters during reclaim: holders with a lower priority may have their
// unused budget taken by a higher-priority request.
type Record struct {
	Skill     string `json:"skill"`
	Allocated int    `json:"allocated"`
	Used      int    `json:"used"`
	Priority  int    `json:"priority"`
}

// Remaining returns the unconsumed part of the allocation.
func (r Record) Remaining() int {
	return r.Allocated - r.Used
}

// Utilization returns used/allocated, or 0 for an empty allocation.
func (r Record) Utilization() float64 {
	if r.Allocated == 0 {
		return 0
	}
	return float64(r.Used) / float64(r.Allocated)
}

// Snapshot is the terminal accounting of a released record, kept in the
// allocator's usage history.
type Snapshot struct {
	Skill       string    `json:"skill"`
	Allocated   int       `json:"allocated"`
	Used        int       `json:"used"`
	Utilization float64   `json:"utilization"`
	ReleasedAt  time.Time `json:"released_at"`
}
