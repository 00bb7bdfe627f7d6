package skill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nidhogg/loadout/internal/source"
	"go.uber.org/zap"
)

func newTestManager(cfg Config) (*Manager, *source.Static) {
	src := source.NewStatic()
	src.Put("reflection", "1.0.0", "Reflect on the conversation so far.")
	src.Put("synthesis", "1.0.0", "Synthesize findings into a summary.")
	src.Put("retrieval", "1.0.0", "Retrieve supporting documents before answering.")
	return NewManager(src, cfg, zap.NewNop()), src
}

func TestLoadLifecycle(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	if !m.Load(ctx, "reflection", "") {
		t.Fatal("load failed")
	}
	if got := m.State("reflection"); got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}
	if !m.Unload("reflection") {
		t.Fatal("unload failed")
	}
	if got := m.State("reflection"); got != StateUnloaded {
		t.Fatalf("state = %s, want %s", got, StateUnloaded)
	}
	if !m.Load(ctx, "reflection", "") {
		t.Fatal("reload after unload failed")
	}
	if got := m.State("reflection"); got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}
}

func TestLoadIdempotent(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	m.Load(ctx, "reflection", "")
	before := len(m.Events("reflection"))
	if !m.Load(ctx, "reflection", "") {
		t.Fatal("second load failed")
	}
	if got := len(m.Events("reflection")); got != before {
		t.Errorf("idempotent load appended events: %d, want %d", got, before)
	}
}

func TestLoadUnknownSkillParksError(t *testing.T) {
	m, src := newTestManager(DefaultConfig())
	ctx := context.Background()

	if m.Load(ctx, "ghost", "") {
		t.Fatal("load of unknown skill succeeded")
	}
	if got := m.State("ghost"); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
	if m.Unload("ghost") {
		t.Error("unload cleared an error state")
	}

	// A fresh load is the only way out of the error state.
	src.Put("ghost", "1.0.0", "Now it exists.")
	if !m.Load(ctx, "ghost", "") {
		t.Fatal("recovery load failed")
	}
	if got := m.State("ghost"); got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}
}

func TestLoadMalformedVersionParksError(t *testing.T) {
	m, src := newTestManager(DefaultConfig())
	src.Put("broken", "one-point-oh", "Content with a bad version.")

	if m.Load(context.Background(), "broken", "") {
		t.Fatal("load with malformed version succeeded")
	}
	if got := m.State("broken"); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
}

func TestUnloadUnknownSkill(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	if m.Unload("never-seen") {
		t.Error("unload of unknown skill succeeded")
	}
}

func TestActivateReturnsContent(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())

	content, ok := m.Activate(context.Background(), "reflection", 1500)
	if !ok {
		t.Fatal("activate failed")
	}
	if content != "Reflect on the conversation so far." {
		t.Errorf("unexpected content %q", content)
	}
	if got := m.State("reflection"); got != StateActive {
		t.Fatalf("state = %s, want %s", got, StateActive)
	}
	if got := m.ContextUsage()["reflection"]; got != 1500 {
		t.Errorf("allocation = %d, want 1500", got)
	}
	if got := m.AvailableBudget(); got != m.ContextBudget()-1500 {
		t.Errorf("available = %d, want %d", got, m.ContextBudget()-1500)
	}
}

func TestActivateIdempotent(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	first, ok := m.Activate(ctx, "reflection", 1500)
	if !ok {
		t.Fatal("activate failed")
	}
	events := len(m.Events("reflection"))

	second, ok := m.Activate(ctx, "reflection", 3000)
	if !ok {
		t.Fatal("second activate failed")
	}
	if first != second {
		t.Error("idempotent activate changed content")
	}
	if got := m.ContextUsage()["reflection"]; got != 1500 {
		t.Errorf("allocation = %d, want the original 1500", got)
	}
	if got := len(m.Events("reflection")); got != events {
		t.Errorf("idempotent activate appended events: %d, want %d", got, events)
	}
}

func TestActivateDefaultAllocation(t *testing.T) {
	m, _ := newTestManager(Config{DefaultAllocation: 1234})

	if _, ok := m.Activate(context.Background(), "reflection", 0); !ok {
		t.Fatal("activate failed")
	}
	if got := m.ContextUsage()["reflection"]; got != 1234 {
		t.Errorf("allocation = %d, want default 1234", got)
	}
}

func TestActivateSlotEviction(t *testing.T) {
	m, _ := newTestManager(Config{MaxActive: 2})
	ctx := context.Background()

	m.Activate(ctx, "reflection", 1000)
	m.Activate(ctx, "synthesis", 1000)
	if _, ok := m.Activate(ctx, "retrieval", 1000); !ok {
		t.Fatal("third activate failed")
	}

	if got := m.State("reflection"); got != StateLoaded {
		t.Errorf("oldest active = %s, want %s", got, StateLoaded)
	}
	if m.State("synthesis") != StateActive || m.State("retrieval") != StateActive {
		t.Error("newer activations should survive eviction")
	}
}

func TestActivateIdempotentDoesNotRefreshEvictionOrder(t *testing.T) {
	m, _ := newTestManager(Config{MaxActive: 2})
	ctx := context.Background()

	m.Activate(ctx, "reflection", 1000)
	m.Activate(ctx, "synthesis", 1000)
	m.Activate(ctx, "reflection", 1000) // idempotent, keeps its log position
	m.Activate(ctx, "retrieval", 1000)

	if got := m.State("reflection"); got != StateLoaded {
		t.Errorf("reflection = %s, want %s (idempotent activate must not refresh age)", got, StateLoaded)
	}
	if m.State("synthesis") != StateActive {
		t.Error("synthesis should still be active")
	}
}

func TestActivateBudgetEviction(t *testing.T) {
	m, _ := newTestManager(Config{ContextBudget: 10000})
	ctx := context.Background()

	m.Activate(ctx, "reflection", 6000)
	m.Activate(ctx, "synthesis", 3000)
	if _, ok := m.Activate(ctx, "retrieval", 4000); !ok {
		t.Fatal("activate within budget after eviction failed")
	}

	if got := m.State("reflection"); got != StateLoaded {
		t.Errorf("reflection = %s, want %s", got, StateLoaded)
	}
	usage := m.ContextUsage()
	if usage["synthesis"] != 3000 || usage["retrieval"] != 4000 {
		t.Errorf("unexpected usage %v", usage)
	}
	if got := m.AvailableBudget(); got != 3000 {
		t.Errorf("available = %d, want 3000", got)
	}
}

func TestActivateOverWholeBudgetFails(t *testing.T) {
	m, _ := newTestManager(Config{ContextBudget: 10000})
	ctx := context.Background()

	m.Activate(ctx, "reflection", 4000)
	if _, ok := m.Activate(ctx, "synthesis", 20000); ok {
		t.Fatal("activation larger than the whole budget succeeded")
	}
	if got := m.State("reflection"); got != StateActive {
		t.Error("oversized request must not evict anyone")
	}
	if got := m.State("synthesis"); got != StateLoaded {
		t.Errorf("synthesis = %s, want %s", got, StateLoaded)
	}
}

func TestActivateUnknownSkillFails(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	if _, ok := m.Activate(context.Background(), "ghost", 1000); ok {
		t.Fatal("activate of unknown skill succeeded")
	}
	if got := m.State("ghost"); got != StateError {
		t.Fatalf("state = %s, want %s", got, StateError)
	}
}

func TestDeactivate(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	m.Activate(ctx, "reflection", 2000)
	if !m.Deactivate("reflection") {
		t.Fatal("deactivate failed")
	}
	if got := m.State("reflection"); got != StateLoaded {
		t.Fatalf("state = %s, want %s", got, StateLoaded)
	}
	if got := m.AvailableBudget(); got != m.ContextBudget() {
		t.Errorf("available = %d, want full budget %d", got, m.ContextBudget())
	}
	if !m.Deactivate("reflection") {
		t.Error("deactivate of a loaded skill should be a no-op success")
	}
	if !m.Deactivate("never-seen") {
		t.Error("deactivate of an unknown skill should be a no-op success")
	}
}

func TestUnloadWhileActiveDeactivatesFirst(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())

	m.Activate(context.Background(), "reflection", 2000)
	if !m.Unload("reflection") {
		t.Fatal("unload failed")
	}
	if got := m.State("reflection"); got != StateUnloaded {
		t.Fatalf("state = %s, want %s", got, StateUnloaded)
	}
	if got := m.AvailableBudget(); got != m.ContextBudget() {
		t.Errorf("available = %d, want full budget", got)
	}

	events := m.Events("reflection")
	var sawDeactivate bool
	for _, e := range events {
		if e.Type == EventDeactivate {
			sawDeactivate = true
		}
		if e.Type == EventUnload && !sawDeactivate {
			t.Fatal("unload recorded before deactivate")
		}
	}
	if !sawDeactivate {
		t.Error("no deactivate event recorded")
	}
}

func TestMaxLoadedEviction(t *testing.T) {
	m, _ := newTestManager(Config{MaxLoaded: 2})
	ctx := context.Background()

	m.Load(ctx, "reflection", "")
	m.Load(ctx, "synthesis", "")
	if !m.Load(ctx, "retrieval", "") {
		t.Fatal("load at capacity failed")
	}

	resident := 0
	for _, s := range m.List() {
		if s.State == StateLoaded || s.State == StateActive {
			resident++
		}
	}
	if resident != 2 {
		t.Errorf("resident count = %d, want 2", resident)
	}
	if got := m.State("retrieval"); got != StateLoaded {
		t.Errorf("newly loaded skill = %s, want %s", got, StateLoaded)
	}
}

func TestMaxLoadedEvictionSparesActive(t *testing.T) {
	m, _ := newTestManager(Config{MaxLoaded: 2, MaxActive: 2})
	ctx := context.Background()

	m.Activate(ctx, "reflection", 1000)
	m.Load(ctx, "synthesis", "")
	m.Load(ctx, "retrieval", "")

	if got := m.State("reflection"); got != StateActive {
		t.Errorf("active skill was evicted for load capacity: %s", got)
	}
	if got := m.State("synthesis"); got != StateUnloaded {
		t.Errorf("loaded skill = %s, want %s", got, StateUnloaded)
	}
	if got := m.State("retrieval"); got != StateLoaded {
		t.Errorf("new skill = %s, want %s", got, StateLoaded)
	}
}

func TestUpgradePreservesActivation(t *testing.T) {
	m, src := newTestManager(DefaultConfig())
	src.Put("reflection", "1.1.0", "Reflect, second edition.")
	ctx := context.Background()

	if !m.Load(ctx, "reflection", "1.0.0") {
		t.Fatal("pinned load failed")
	}
	if _, ok := m.Activate(ctx, "reflection", 1500); !ok {
		t.Fatal("activate failed")
	}

	if !m.Upgrade(ctx, "reflection", Version{Major: 1, Minor: 1}) {
		t.Fatal("compatible upgrade failed")
	}
	s, ok := m.Get("reflection")
	if !ok {
		t.Fatal("skill disappeared after upgrade")
	}
	if s.State != StateActive {
		t.Errorf("state = %s, want %s", s.State, StateActive)
	}
	if s.Version.String() != "1.1.0" {
		t.Errorf("version = %s, want 1.1.0", s.Version)
	}
	if s.Allocation != 1500 {
		t.Errorf("allocation = %d, want the preserved 1500", s.Allocation)
	}
	content, _ := m.Activate(ctx, "reflection", 0)
	if content != "Reflect, second edition." {
		t.Errorf("content not refreshed: %q", content)
	}
}

func TestUpgradeIncompatibleMajorFails(t *testing.T) {
	m, src := newTestManager(DefaultConfig())
	src.Put("reflection", "2.0.0", "Breaking rewrite.")
	ctx := context.Background()

	m.Load(ctx, "reflection", "1.0.0")
	m.Activate(ctx, "reflection", 1500)

	if m.Upgrade(ctx, "reflection", Version{Major: 2}) {
		t.Fatal("incompatible upgrade succeeded")
	}
	s, _ := m.Get("reflection")
	if s.State != StateActive || s.Version.String() != "1.0.0" || s.Allocation != 1500 {
		t.Errorf("failed upgrade mutated state: %+v", s)
	}
}

func TestUpgradeMissingTargetFails(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	m.Load(ctx, "reflection", "1.0.0")
	if m.Upgrade(ctx, "reflection", Version{Major: 1, Minor: 9}) {
		t.Fatal("upgrade to a version the source lacks succeeded")
	}
	if got := m.State("reflection"); got != StateError {
		t.Errorf("state = %s, want %s after failed reload", got, StateError)
	}
}

func TestRollback(t *testing.T) {
	m, src := newTestManager(DefaultConfig())
	src.Put("reflection", "1.1.0", "Reflect, second edition.")
	ctx := context.Background()

	m.Load(ctx, "reflection", "1.0.0")
	if !m.Upgrade(ctx, "reflection", Version{Major: 1, Minor: 1}) {
		t.Fatal("upgrade failed")
	}
	if !m.Rollback(ctx, "reflection", 1) {
		t.Fatal("rollback failed")
	}
	s, _ := m.Get("reflection")
	if s.Version.String() != "1.0.0" {
		t.Errorf("version = %s, want 1.0.0", s.Version)
	}
	content, ok := m.Activate(ctx, "reflection", 0)
	if !ok || content != "Reflect on the conversation so far." {
		t.Errorf("content after rollback = %q", content)
	}
}

func TestRollbackWithoutUpgradeFails(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	m.Load(context.Background(), "reflection", "")
	if m.Rollback(context.Background(), "reflection", 1) {
		t.Fatal("rollback with no upgrade history succeeded")
	}
}

func TestUpgradeEventMetadata(t *testing.T) {
	m, src := newTestManager(DefaultConfig())
	src.Put("reflection", "1.1.0", "Reflect, second edition.")
	ctx := context.Background()

	m.Load(ctx, "reflection", "1.0.0")
	m.Upgrade(ctx, "reflection", Version{Major: 1, Minor: 1})

	events := m.Events("reflection")
	last := events[len(events)-1]
	if last.Type != EventUpgrade {
		t.Fatalf("last event = %s, want %s", last.Type, EventUpgrade)
	}
	if last.Metadata[metaPreviousVersion] != "1.0.0" {
		t.Errorf("previous_version = %q, want 1.0.0", last.Metadata[metaPreviousVersion])
	}
	if last.Metadata[metaTargetVersion] != "1.1.0" {
		t.Errorf("target_version = %q, want 1.1.0", last.Metadata[metaTargetVersion])
	}
}

func TestHooks(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	var loads, unloads, errNames []string
	var errCauses []error
	m.OnLoad(func(name string, v Version) error {
		loads = append(loads, name+"@"+v.String())
		return nil
	})
	m.OnLoad(func(name string, v Version) error {
		return fmt.Errorf("hook tantrum")
	})
	m.OnUnload(func(name string) error {
		unloads = append(unloads, name)
		return nil
	})
	m.OnError(func(name string, err error) error {
		errNames = append(errNames, name)
		errCauses = append(errCauses, err)
		return nil
	})

	if !m.Load(ctx, "reflection", "") {
		t.Fatal("load failed despite hooks being advisory")
	}
	if got := m.State("reflection"); got != StateLoaded {
		t.Fatalf("state after failing load hook = %s, want %s", got, StateLoaded)
	}
	m.Unload("reflection")
	m.Load(ctx, "ghost", "")

	if len(loads) != 1 || loads[0] != "reflection@1.0.0" {
		t.Errorf("load hooks saw %v", loads)
	}
	if len(unloads) != 1 || unloads[0] != "reflection" {
		t.Errorf("unload hooks saw %v", unloads)
	}
	// The failing load hook is forwarded to the error hooks, then the ghost
	// load's source fault follows.
	if len(errNames) != 2 || errNames[0] != "reflection" || errNames[1] != "ghost" {
		t.Fatalf("error hooks saw %v, want [reflection ghost]", errNames)
	}
	if errCauses[0] == nil || errCauses[0].Error() != "hook tantrum" {
		t.Errorf("forwarded cause = %v, want the load hook's error", errCauses[0])
	}
	if !errors.Is(errCauses[1], source.ErrNotFound) {
		t.Errorf("ghost cause = %v, want %v", errCauses[1], source.ErrNotFound)
	}
}

func TestEventSequenceMonotonic(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	m.Load(ctx, "reflection", "")
	m.Activate(ctx, "synthesis", 1000)
	m.Deactivate("synthesis")
	m.Unload("reflection")
	m.Load(ctx, "ghost", "")

	events := m.Events("")
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("seq not increasing at %d: %d then %d", i, events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestEventsRecordLegalTransitions(t *testing.T) {
	m, src := newTestManager(DefaultConfig())
	src.Put("reflection", "1.1.0", "Reflect, second edition.")
	ctx := context.Background()

	m.Load(ctx, "reflection", "1.0.0")
	m.Activate(ctx, "reflection", 1000)
	m.Upgrade(ctx, "reflection", Version{Major: 1, Minor: 1})
	m.Deactivate("reflection")
	m.Unload("reflection")
	m.Activate(ctx, "synthesis", 1000)
	m.Unload("synthesis")
	m.Load(ctx, "ghost", "")
	src.Put("ghost", "1.0.0", "Now it exists.")
	m.Load(ctx, "ghost", "")

	events := m.Events("")
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	for _, e := range events {
		if e.Type == EventUpgrade {
			// Upgrade events annotate the log without a state change.
			if e.OldState != e.NewState {
				t.Errorf("upgrade event #%d changed state: %s → %s", e.Seq, e.OldState, e.NewState)
			}
			continue
		}
		if !CanTransition(e.OldState, e.NewState) {
			t.Errorf("event #%d (%s, %s): illegal transition %s → %s",
				e.Seq, e.Type, e.Skill, e.OldState, e.NewState)
		}
	}
}

func TestListSorted(t *testing.T) {
	m, _ := newTestManager(DefaultConfig())
	ctx := context.Background()

	m.Load(ctx, "synthesis", "")
	m.Load(ctx, "reflection", "")
	m.Load(ctx, "retrieval", "")

	list := m.List()
	if len(list) != 3 {
		t.Fatalf("got %d skills, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].Name < list[i-1].Name {
			t.Fatalf("list not sorted: %s before %s", list[i-1].Name, list[i].Name)
		}
	}
}

func TestManagerConcurrentOperations(t *testing.T) {
	m, _ := newTestManager(Config{MaxLoaded: 2, MaxActive: 2, ContextBudget: 5000, DefaultAllocation: 1000})
	ctx := context.Background()
	names := []string{"reflection", "synthesis", "retrieval"}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := names[i%len(names)]
			switch i % 4 {
			case 0:
				m.Load(ctx, name, "")
			case 1:
				m.Activate(ctx, name, 500+(i%3)*300)
			case 2:
				m.Deactivate(name)
			case 3:
				m.Unload(name)
			}
		}(i)
	}
	wg.Wait()

	resident, active, allocated := 0, 0, 0
	for _, s := range m.List() {
		switch s.State {
		case StateLoaded:
			resident++
		case StateActive:
			resident++
			active++
			allocated += s.Allocation
		}
		if s.State != StateActive && s.Allocation != 0 {
			t.Errorf("%s holds %d tokens while %s", s.Name, s.Allocation, s.State)
		}
	}
	if resident > 2 {
		t.Errorf("resident count = %d, want <= 2", resident)
	}
	if active > 2 {
		t.Errorf("active count = %d, want <= 2", active)
	}
	if allocated > 5000 {
		t.Errorf("allocated = %d, want <= 5000", allocated)
	}

	events := m.Events("")
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("event log seq regressed at %d", i)
		}
	}
	for _, e := range events {
		if !CanTransition(e.OldState, e.NewState) {
			t.Errorf("event #%d (%s, %s): illegal transition %s → %s",
				e.Seq, e.Type, e.Skill, e.OldState, e.NewState)
		}
	}
}
