package budget

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTotal is the shared pool size when none is configured.
const DefaultTotal = 10000

// Rebalance thresholds. Allocations below the low-water utilization give up
// 30% of their grant; allocations above the high-water may grow up to
// double from the free pool.
const (
	lowWaterUtilization  = 0.3
	highWaterUtilization = 0.9
)

// Allocator owns a single shared token pool and partitions it across skills
// by priority. All methods are thread-safe; a grant and the reclaim that
// funds it happen in one critical section, so two concurrent requests can
// never double-spend a victim's remaining budget. This pool is independent
// of the lifecycle manager's flat per-activation accounting.
type Allocator struct {
	mu      sync.Mutex
	total   int
	records map[string]*Record
	history []Snapshot
	logger  *zap.Logger
}

// NewAllocator creates an allocator over a shared pool of total tokens.
// A non-positive total takes DefaultTotal.
func NewAllocator(total int, logger *zap.Logger) *Allocator {
	if total <= 0 {
		total = DefaultTotal
	}
	return &Allocator{
		total:   total,
		records: make(map[string]*Record),
		logger:  logger,
	}
}

// Allocate grants up to requested tokens to a skill and returns the granted
// amount. The grant is capped by the pool's free tokens; when that falls
// short and the request's priority is above 1, the shortfall is reclaimed
// from the unused budget of lower-priority holders, lowest priority first.
// Any prior record for the name is overwritten with the fresh grant and a
// zero used counter.
func (a *Allocator) Allocate(name string, requested, priority int) int {
	if requested < 0 {
		requested = 0
	}
	if priority < 1 {
		priority = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	available := a.total - a.allocatedLocked()
	if available < 0 {
		available = 0
	}
	granted := requested
	if granted > available {
		granted = available
	}
	if granted < requested && priority > 1 {
		granted += a.reclaimLocked(name, requested-granted, priority)
	}

	a.records[name] = &Record{Skill: name, Allocated: granted, Priority: priority}
	a.logger.Debug("budget allocated",
		zap.String("skill", name),
		zap.Int("requested", requested),
		zap.Int("granted", granted),
		zap.Int("priority", priority))
	return granted
}

// reclaimLocked takes unused tokens from records whose priority is below
// the requesting one, lowest priority first (ties broken by name), until
// the shortfall is covered. Used tokens are never taken.
func (a *Allocator) reclaimLocked(requester string, shortfall, priority int) int {
	victims := make([]*Record, 0, len(a.records))
	for _, r := range a.records {
		if r.Priority < priority {
			victims = append(victims, r)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Priority != victims[j].Priority {
			return victims[i].Priority < victims[j].Priority
		}
		return victims[i].Skill < victims[j].Skill
	})

	reclaimed := 0
	for _, v := range victims {
		if shortfall == 0 {
			break
		}
		take := v.Remaining()
		if take > shortfall {
			take = shortfall
		}
		if take <= 0 {
			continue
		}
		v.Allocated -= take
		shortfall -= take
		reclaimed += take
		a.logger.Info("reclaimed budget",
			zap.String("from", v.Skill),
			zap.String("for", requester),
			zap.Int("tokens", take))
	}
	return reclaimed
}

// Use consumes tokens from a skill's allocation. It rejects unknown skills,
// non-positive amounts and requests beyond the remaining grant, leaving the
// record untouched on rejection.
func (a *Allocator) Use(name string, tokens int) bool {
	if tokens <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[name]
	if !ok {
		return false
	}
	if r.Remaining() < tokens {
		a.logger.Debug("use rejected",
			zap.String("skill", name),
			zap.Int("tokens", tokens),
			zap.Int("remaining", r.Remaining()))
		return false
	}
	r.Used += tokens
	return true
}

// Release returns a skill's tokens to the pool, recording a final snapshot
// in the usage history. Releasing an untracked name is a no-op.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[name]
	if !ok {
		return
	}
	a.history = append(a.history, Snapshot{
		Skill:       name,
		Allocated:   r.Allocated,
		Used:        r.Used,
		Utilization: r.Utilization(),
		ReleasedAt:  time.Now(),
	})
	delete(a.records, name)
	a.logger.Debug("budget released",
		zap.String("skill", name),
		zap.Int("allocated", r.Allocated),
		zap.Int("used", r.Used))
}

// Rebalance adjusts every record by observed utilization: below the
// low-water mark the allocation shrinks to 70%, above the high-water mark
// it grows by min(available/2, allocated). Records in between are left
// alone. The free-pool figure is recomputed as each record is visited, in
// name order. Returns the number of records adjusted.
func (a *Allocator) Rebalance() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.records))
	for name := range a.records {
		names = append(names, name)
	}
	sort.Strings(names)

	adjusted := 0
	for _, name := range names {
		r := a.records[name]
		util := r.Utilization()
		switch {
		case util < lowWaterUtilization:
			next := r.Allocated * 7 / 10
			if next != r.Allocated {
				a.logger.Debug("shrinking underused allocation",
					zap.String("skill", name),
					zap.Int("from", r.Allocated),
					zap.Int("to", next))
				r.Allocated = next
				adjusted++
			}
		case util > highWaterUtilization:
			available := a.total - a.allocatedLocked()
			grow := available / 2
			if grow > r.Allocated {
				grow = r.Allocated
			}
			if grow > 0 {
				a.logger.Debug("growing saturated allocation",
					zap.String("skill", name),
					zap.Int("from", r.Allocated),
					zap.Int("to", r.Allocated+grow))
				r.Allocated += grow
				adjusted++
			}
		}
	}
	if adjusted > 0 {
		a.logger.Info("budget rebalanced", zap.Int("adjusted", adjusted))
	}
	return adjusted
}

// Budget returns a copy of one skill's record.
func (a *Allocator) Budget(name string) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[name]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// AllBudgets returns copies of every tracked record, sorted by skill name.
func (a *Allocator) AllBudgets() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Skill < out[j].Skill })
	return out
}

// TotalAllocated returns the sum of allocated tokens across all records.
func (a *Allocator) TotalAllocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatedLocked()
}

// TotalUsed returns the sum of consumed tokens across all records.
func (a *Allocator) TotalUsed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := 0
	for _, r := range a.records {
		used += r.Used
	}
	return used
}

// Available returns the pool tokens not allocated to any record.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total - a.allocatedLocked()
}

// Total returns the pool size.
func (a *Allocator) Total() int {
	return a.total
}

// History returns the snapshots of released records, oldest first.
func (a *Allocator) History() []Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Snapshot, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Allocator) allocatedLocked() int {
	total := 0
	for _, r := range a.records {
		total += r.Allocated
	}
	return total
}
