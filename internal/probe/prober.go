package probe

import (
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/chromiumos/dns-proxy-resolver/internal/upstream"
)

// IssueFunc starts one probe attempt against target and invokes onDone with
// its outcome, exactly once. The call to onDone may happen synchronously or
// from another goroutine — Prober re-resolves the issuing State by ID when
// it arrives, so a result for an instance that has since been replaced is
// silently dropped. Implementations own their own timeout.
type IssueFunc func(target upstream.Target, onDone func(success bool))

// Scheduler defers f until after d elapses. The Resolver passes a wrapper
// that waits with time.AfterFunc and then runs f on its loop goroutine;
// tests pass a queueing stand-in so schedules can be driven without real
// waits.
type Scheduler func(d time.Duration, f func())

// Prober drives the probe schedule for every upstream target the Resolver
// knows about. All of its methods are called only from the Resolver's loop
// goroutine — it keeps no lock of its own (§5).
type Prober struct {
	// Disabled turns every Start call into a no-op, for tests that don't
	// want probe traffic.
	Disabled bool

	issue    IssueFunc
	schedule Scheduler
	validate func(upstream.Target)

	nextID uint64
	live   map[string]uint64
	states map[uint64]*State
}

// New returns a Prober that issues attempts via issue, schedules retries via
// schedule, and calls validate exactly once per target instance that
// answers a probe successfully.
func New(issue IssueFunc, schedule Scheduler, validate func(upstream.Target)) *Prober {
	return &Prober{
		issue:    issue,
		schedule: schedule,
		validate: validate,
		live:     make(map[string]uint64),
		states:   make(map[uint64]*State),
	}
}

// Start begins (or restarts, on invalidation) probing target at the initial
// delay, replacing any state previously live for the same target id. The
// replaced instance's outstanding callbacks become no-ops the next time
// they fire (see handleResult).
func (p *Prober) Start(target upstream.Target) {
	if p.Disabled {
		return
	}

	if old, ok := p.live[target.ID]; ok {
		delete(p.states, old)
	}

	p.nextID++
	id := p.nextID

	st := &State{ID: id, Target: target, Family: familyOf(target)}
	p.live[target.ID] = id
	p.states[id] = st

	p.scheduleAttempt(st)
}

// Stop ends probing for targetID, discarding its live state. No caller in
// this module calls Stop: a target removed from configuration keeps its
// probe schedule until an attempt succeeds. Invalidation calls Start with a
// fresh target instead.
func (p *Prober) Stop(targetID string) {
	if id, ok := p.live[targetID]; ok {
		delete(p.states, id)
		delete(p.live, targetID)
	}
}

func (p *Prober) scheduleAttempt(st *State) {
	id := st.ID
	delay := BackoffDelay(st.Retries)

	log.Debug("probe: scheduling %s (%s) attempt %d in %s", st.Target.ID, st.Family, st.Retries, delay)

	p.schedule(delay, func() {
		p.fire(id)
	})
}

func (p *Prober) fire(id uint64) {
	st, ok := p.states[id]
	if !ok {
		// Replaced or stopped since this attempt was scheduled: no-op.
		return
	}

	p.issue(st.Target, func(success bool) {
		p.handleResult(id, success)
	})
}

func (p *Prober) handleResult(id uint64, success bool) {
	st, ok := p.states[id]
	if !ok {
		// The instance that issued this attempt is no longer live.
		return
	}

	if success {
		log.Debug("probe: %s (%s) validated after %d retries", st.Target.ID, st.Family, st.Retries)

		p.validate(st.Target)

		return
	}

	st.Retries++
	p.scheduleAttempt(st)
}

// IsLive reports whether id is the current live state for its target —
// exported for tests exercising the replace-on-invalidate discipline
// directly.
func (p *Prober) IsLive(id uint64) bool {
	_, ok := p.states[id]

	return ok
}
