package skill

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/nidhogg/loadout/internal/source"
	"go.uber.org/zap"
)

// Config holds the lifecycle manager's limits.
type Config struct {
	MaxLoaded         int `json:"max_loaded"`         // skills held in memory (loaded + active)
	MaxActive         int `json:"max_active"`         // skills contributing to the context window
	ContextBudget     int `json:"context_budget"`     // tokens shared by all active skills
	DefaultAllocation int `json:"default_allocation"` // tokens granted when an activation names none
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxLoaded:         20,
		MaxActive:         5,
		ContextBudget:     10000,
		DefaultAllocation: 2000,
	}
}

// LoadHook runs after a skill reaches StateLoaded.
type LoadHook func(name string, version Version) error

// UnloadHook runs after a skill reaches StateUnloaded.
type UnloadHook func(name string) error

// ErrorHook runs after a skill is parked in StateError, and for every load
// hook failure.
type ErrorHook func(name string, err error) error

// Event metadata keys.
const (
	metaAllocation      = "allocation"
	metaFreed           = "freed"
	metaError           = "error"
	metaPreviousVersion = "previous_version"
	metaTargetVersion   = "target_version"
)

// entry is the manager's record of one skill name. Content is present only
// while loaded or active; the version survives unloads as the last known.
type entry struct {
	state      State
	version    Version
	hasVersion bool
	content    string
	allocation int
}

// Manager owns the skill lifecycle state machine, the capacity limits and
// the flat per-activation token accounting. All operations are thread-safe;
// the source fetch in Load runs outside the manager lock. The manager's
// context budget and the budget.Allocator pool are independent — callers
// combining them for the same skill coordinate the two themselves.
type Manager struct {
	mu     sync.Mutex
	src    source.Source
	cfg    Config
	skills map[string]*entry
	log    *Log

	loadHooks   []LoadHook
	unloadHooks []UnloadHook
	errorHooks  []ErrorHook

	logger *zap.Logger
}

// NewManager creates a lifecycle manager over the given skill source.
// Non-positive limits take their defaults; MaxActive is capped at MaxLoaded.
func NewManager(src source.Source, cfg Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxLoaded <= 0 {
		cfg.MaxLoaded = def.MaxLoaded
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = def.MaxActive
	}
	if cfg.MaxActive > cfg.MaxLoaded {
		cfg.MaxActive = cfg.MaxLoaded
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = def.ContextBudget
	}
	if cfg.DefaultAllocation <= 0 {
		cfg.DefaultAllocation = def.DefaultAllocation
	}
	return &Manager{
		src:    src,
		cfg:    cfg,
		skills: make(map[string]*entry),
		log:    NewLog(),
		logger: logger,
	}
}

// OnLoad registers a hook invoked after every load, in registration order.
func (m *Manager) OnLoad(h LoadHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadHooks = append(m.loadHooks, h)
}

// OnUnload registers a hook invoked after every unload, in registration order.
func (m *Manager) OnUnload(h UnloadHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloadHooks = append(m.unloadHooks, h)
}

// OnError registers a hook invoked after every failed load and every failing
// load hook, in registration order.
func (m *Manager) OnError(h ErrorHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorHooks = append(m.errorHooks, h)
}

// Load fetches a skill from the source and brings it to StateLoaded.
// Already loaded or active names succeed without refetching. A source fault
// (or cancelled ctx) parks the skill in StateError and reports failure
// through the return flag; it is never re-raised. A load that finds the
// resident set full of active skills is refused without a state change:
// active skills are never evicted to make loading room.
func (m *Manager) Load(ctx context.Context, name, version string) bool {
	m.mu.Lock()
	if e := m.skills[name]; e != nil && (e.state == StateLoaded || e.state == StateActive) {
		m.mu.Unlock()
		return true
	}
	m.mu.Unlock()

	// The fetch may block on I/O, so it runs outside the lock. Everything
	// after it is a single critical section: capacity check, eviction,
	// state transition and event append.
	content, err := m.src.Fetch(ctx, name, version)
	var parsed Version
	if err == nil {
		parsed, err = ParseVersion(content.DeclaredVersion)
	}
	if err != nil {
		m.failLoad(name, err)
		return false
	}

	m.mu.Lock()
	e := m.skills[name]
	if e != nil && (e.state == StateLoaded || e.state == StateActive) {
		// A concurrent load won while we were fetching.
		m.mu.Unlock()
		return true
	}
	old := StateDiscovered
	if e != nil {
		old = e.state
	}
	if !CanTransition(old, StateLoaded) {
		m.mu.Unlock()
		m.logger.Warn("load rejected, illegal transition",
			zap.String("skill", name), zap.String("from", string(old)))
		return false
	}
	evicted := m.evictForLoadLocked()
	if m.residentCountLocked() >= m.cfg.MaxLoaded {
		// Every resident skill is active; none can be evicted for room.
		m.mu.Unlock()
		m.logger.Warn("load rejected, no evictable skill at capacity",
			zap.String("skill", name),
			zap.Int("max_loaded", m.cfg.MaxLoaded))
		return false
	}
	if e == nil {
		e = &entry{state: StateDiscovered}
		m.skills[name] = e
	}
	e.state = StateLoaded
	e.version = parsed
	e.hasVersion = true
	e.content = content.Text
	e.allocation = 0
	m.log.Append(Event{
		Skill:    name,
		Type:     EventLoad,
		OldState: old,
		NewState: StateLoaded,
		Version:  parsed,
	})
	m.mu.Unlock()

	m.logger.Info("skill loaded",
		zap.String("skill", name),
		zap.String("version", parsed.String()))
	for _, victim := range evicted {
		m.runUnloadHooks(victim)
	}
	m.runLoadHooks(name, parsed)
	return true
}

// failLoad parks a skill in StateError, records the fault and notifies
// error hooks. A concurrent successful load keeps its healthy state: the
// resident states have no transition to StateError.
func (m *Manager) failLoad(name string, cause error) {
	m.mu.Lock()
	e := m.skills[name]
	if e == nil {
		e = &entry{state: StateDiscovered}
		m.skills[name] = e
	}
	if !CanTransition(e.state, StateError) {
		m.mu.Unlock()
		return
	}
	old := e.state
	e.state = StateError
	e.content = ""
	e.allocation = 0
	m.log.Append(Event{
		Skill:    name,
		Type:     EventLoadError,
		OldState: old,
		NewState: StateError,
		Version:  e.version,
		Metadata: map[string]string{metaError: cause.Error()},
	})
	m.mu.Unlock()

	m.logger.Warn("skill load failed", zap.String("skill", name), zap.Error(cause))
	m.runErrorHooks(name, cause)
}

// Unload drops a skill's content from memory, deactivating it first when
// needed. Unloading an ERROR skill fails: the only way out of StateError is
// a fresh Load. Already unloaded names succeed as a no-op.
func (m *Manager) Unload(name string) bool {
	m.mu.Lock()
	e := m.skills[name]
	if e == nil {
		m.mu.Unlock()
		return false
	}
	if e.state == StateUnloaded {
		m.mu.Unlock()
		return true
	}
	from := e.state
	if from == StateActive {
		from = StateLoaded // an active skill is deactivated on its way out
	}
	if !CanTransition(from, StateUnloaded) {
		m.mu.Unlock()
		return false
	}
	m.unloadLocked(name)
	m.mu.Unlock()

	m.logger.Info("skill unloaded", zap.String("skill", name))
	m.runUnloadHooks(name)
	return true
}

// Activate brings a skill to StateActive and returns its content for
// insertion into the agent's context. A non-positive allocation takes the
// configured default. When active slots or context budget run out, the
// oldest active skills (by surviving activate event) are deactivated to
// make room; a request that cannot fit even an empty context fails without
// evicting anyone. Activating an already active skill returns its content
// unchanged.
func (m *Manager) Activate(ctx context.Context, name string, allocation int) (string, bool) {
	if allocation <= 0 {
		allocation = m.cfg.DefaultAllocation
	}

	var e *entry
	for {
		m.mu.Lock()
		e = m.skills[name]
		if e != nil && e.state == StateActive {
			content := e.content
			m.mu.Unlock()
			return content, true
		}
		if e != nil && e.state == StateLoaded {
			break
		}
		m.mu.Unlock()
		if !m.Load(ctx, name, "") {
			return "", false
		}
	}

	if allocation > m.cfg.ContextBudget {
		m.mu.Unlock()
		m.logger.Warn("activation rejected, allocation exceeds whole context budget",
			zap.String("skill", name),
			zap.Int("allocation", allocation),
			zap.Int("budget", m.cfg.ContextBudget))
		return "", false
	}

	for m.activeCountLocked() >= m.cfg.MaxActive {
		victim := m.oldestActiveLocked()
		if victim == "" {
			break
		}
		m.deactivateLocked(victim)
		m.logger.Info("deactivated oldest active skill for a free slot",
			zap.String("evicted", victim), zap.String("for", name))
	}
	for m.activeAllocationLocked()+allocation > m.cfg.ContextBudget {
		victim := m.oldestActiveLocked()
		if victim == "" {
			break
		}
		m.deactivateLocked(victim)
		m.logger.Info("deactivated oldest active skill for budget headroom",
			zap.String("evicted", victim), zap.String("for", name))
	}
	if m.activeAllocationLocked()+allocation > m.cfg.ContextBudget {
		// Could not free enough room; fail rather than over-allocate.
		m.mu.Unlock()
		return "", false
	}
	if !CanTransition(e.state, StateActive) {
		m.mu.Unlock()
		return "", false
	}

	e.state = StateActive
	e.allocation = allocation
	m.log.Append(Event{
		Skill:    name,
		Type:     EventActivate,
		OldState: StateLoaded,
		NewState: StateActive,
		Version:  e.version,
		Metadata: map[string]string{metaAllocation: strconv.Itoa(allocation)},
	})
	content := e.content
	m.mu.Unlock()

	m.logger.Info("skill activated",
		zap.String("skill", name), zap.Int("allocation", allocation))
	return content, true
}

// Deactivate returns an active skill to StateLoaded and frees its
// allocation. Names that are not active succeed as a no-op.
func (m *Manager) Deactivate(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.skills[name]
	if e == nil || e.state != StateActive {
		return true
	}
	m.deactivateLocked(name)
	return true
}

// Upgrade hot-reloads a skill at a new version, preserving active status
// and allocation. It fails without touching state when a tracked version is
// incompatible (different major) with the target.
func (m *Manager) Upgrade(ctx context.Context, name string, target Version) bool {
	m.mu.Lock()
	e := m.skills[name]
	var prev Version
	hadPrev := false
	wasActive := false
	allocation := 0
	if e != nil {
		if e.hasVersion {
			prev = e.version
			hadPrev = true
			if !prev.Compatible(target) {
				m.mu.Unlock()
				m.logger.Warn("upgrade rejected, incompatible major version",
					zap.String("skill", name),
					zap.String("current", prev.String()),
					zap.String("target", target.String()))
				return false
			}
		}
		wasActive = e.state == StateActive
		allocation = e.allocation
	}
	m.mu.Unlock()

	m.Unload(name) // advisory: a fresh load also recovers ERROR skills
	if !m.Load(ctx, name, target.String()) {
		return false
	}
	if wasActive {
		if _, ok := m.Activate(ctx, name, allocation); !ok {
			m.logger.Warn("skill did not reactivate after upgrade",
				zap.String("skill", name))
		}
	}

	meta := map[string]string{metaTargetVersion: target.String()}
	if hadPrev {
		meta[metaPreviousVersion] = prev.String()
	}
	m.mu.Lock()
	cur := m.skills[name]
	m.log.Append(Event{
		Skill:    name,
		Type:     EventUpgrade,
		OldState: cur.state,
		NewState: cur.state,
		Version:  cur.version,
		Metadata: meta,
	})
	m.mu.Unlock()

	m.logger.Info("skill upgraded",
		zap.String("skill", name), zap.String("version", target.String()))
	return true
}

// Rollback re-upgrades a skill to the version recorded by its steps-th most
// recent upgrade event. It fails when fewer upgrades exist than requested
// or when that upgrade recorded no previous version.
func (m *Manager) Rollback(ctx context.Context, name string, steps int) bool {
	if steps <= 0 {
		steps = 1
	}
	events := m.log.ForSkill(name)
	seen := 0
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != EventUpgrade {
			continue
		}
		seen++
		if seen < steps {
			continue
		}
		prevStr, ok := events[i].Metadata[metaPreviousVersion]
		if !ok {
			return false
		}
		prev, err := ParseVersion(prevStr)
		if err != nil {
			return false
		}
		return m.Upgrade(ctx, name, prev)
	}
	return false
}

// State returns the lifecycle state of a name. Names the manager has never
// seen are StateDiscovered.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.skills[name]; e != nil {
		return e.state
	}
	return StateDiscovered
}

// Get returns a snapshot of one tracked skill.
func (m *Manager) Get(name string) (Skill, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.skills[name]
	if e == nil {
		return Skill{}, false
	}
	return Skill{Name: name, State: e.state, Version: e.version, Allocation: e.allocation}, true
}

// List returns snapshots of every tracked skill, sorted by name.
func (m *Manager) List() []Skill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Skill, 0, len(m.skills))
	for name, e := range m.skills {
		out = append(out, Skill{Name: name, State: e.state, Version: e.version, Allocation: e.allocation})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ContextUsage maps each active skill to its token allocation.
func (m *Manager) ContextUsage() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	usage := make(map[string]int)
	for name, e := range m.skills {
		if e.state == StateActive {
			usage[name] = e.allocation
		}
	}
	return usage
}

// AvailableBudget returns the context tokens not allocated to any active
// skill.
func (m *Manager) AvailableBudget() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.ContextBudget - m.activeAllocationLocked()
}

// ContextBudget returns the total context budget shared by active skills.
func (m *Manager) ContextBudget() int {
	return m.cfg.ContextBudget
}

// DefaultAllocation returns the tokens granted when an activation names no
// amount.
func (m *Manager) DefaultAllocation() int {
	return m.cfg.DefaultAllocation
}

// Events returns the lifecycle log for one skill, or the whole log when
// name is empty.
func (m *Manager) Events(name string) []Event {
	if name == "" {
		return m.log.All()
	}
	return m.log.ForSkill(name)
}

// --- internals (callers hold m.mu) ---

func (m *Manager) residentCountLocked() int {
	n := 0
	for _, e := range m.skills {
		if e.state == StateLoaded || e.state == StateActive {
			n++
		}
	}
	return n
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, e := range m.skills {
		if e.state == StateActive {
			n++
		}
	}
	return n
}

func (m *Manager) activeAllocationLocked() int {
	total := 0
	for _, e := range m.skills {
		if e.state == StateActive {
			total += e.allocation
		}
	}
	return total
}

// evictForLoadLocked frees loaded-capacity headroom by unloading LOADED
// (non-active) skills, first match in iteration order. Returns the evicted
// names so the caller can fire unload hooks after releasing the lock.
func (m *Manager) evictForLoadLocked() []string {
	var evicted []string
	for m.residentCountLocked() >= m.cfg.MaxLoaded {
		victim := ""
		for name, e := range m.skills {
			if e.state == StateLoaded {
				victim = name
				break
			}
		}
		if victim == "" {
			break // every resident skill is active
		}
		m.unloadLocked(victim)
		evicted = append(evicted, victim)
		m.logger.Info("evicted loaded skill for capacity", zap.String("evicted", victim))
	}
	return evicted
}

// oldestActiveLocked returns the ACTIVE skill with the earliest surviving
// activate event. The log, not wall-clock access order, decides eviction.
func (m *Manager) oldestActiveLocked() string {
	lastActivate := make(map[string]uint64)
	for _, ev := range m.log.All() {
		switch ev.Type {
		case EventActivate:
			lastActivate[ev.Skill] = ev.Seq
		case EventDeactivate:
			delete(lastActivate, ev.Skill)
		}
	}
	victim := ""
	var victimSeq uint64
	for name, seq := range lastActivate {
		e := m.skills[name]
		if e == nil || e.state != StateActive {
			continue
		}
		if victim == "" || seq < victimSeq {
			victim = name
			victimSeq = seq
		}
	}
	return victim
}

// deactivateLocked frees a skill's allocation and returns it to StateLoaded.
func (m *Manager) deactivateLocked(name string) {
	e := m.skills[name]
	freed := e.allocation
	e.allocation = 0
	e.state = StateLoaded
	m.log.Append(Event{
		Skill:    name,
		Type:     EventDeactivate,
		OldState: StateActive,
		NewState: StateLoaded,
		Version:  e.version,
		Metadata: map[string]string{metaFreed: strconv.Itoa(freed)},
	})
}

// unloadLocked drops a skill's content, deactivating first when active.
// The caller fires unload hooks after releasing the lock.
func (m *Manager) unloadLocked(name string) {
	e := m.skills[name]
	if e.state == StateActive {
		m.deactivateLocked(name)
	}
	old := e.state
	e.state = StateUnloaded
	e.content = ""
	e.allocation = 0
	m.log.Append(Event{
		Skill:    name,
		Type:     EventUnload,
		OldState: old,
		NewState: StateUnloaded,
		Version:  e.version,
	})
}

// runLoadHooks invokes the load hooks. A failing hook is reported to the
// error hooks with the hook's error as cause; the load it followed stands.
func (m *Manager) runLoadHooks(name string, v Version) {
	m.mu.Lock()
	hooks := make([]LoadHook, len(m.loadHooks))
	copy(hooks, m.loadHooks)
	m.mu.Unlock()
	for _, h := range hooks {
		if err := h(name, v); err != nil {
			m.logger.Warn("load hook failed", zap.String("skill", name), zap.Error(err))
			m.runErrorHooks(name, err)
		}
	}
}

func (m *Manager) runUnloadHooks(name string) {
	m.mu.Lock()
	hooks := make([]UnloadHook, len(m.unloadHooks))
	copy(hooks, m.unloadHooks)
	m.mu.Unlock()
	for _, h := range hooks {
		if err := h(name); err != nil {
			m.logger.Warn("unload hook failed", zap.String("skill", name), zap.Error(err))
		}
	}
}

func (m *Manager) runErrorHooks(name string, cause error) {
	m.mu.Lock()
	hooks := make([]ErrorHook, len(m.errorHooks))
	copy(hooks, m.errorHooks)
	m.mu.Unlock()
	for _, h := range hooks {
		if err := h(name, cause); err != nil {
			m.logger.Warn("error hook failed", zap.String("skill", name), zap.Error(err))
		}
	}
}
