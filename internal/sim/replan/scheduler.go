package replan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"villagesim.ai/internal/decision"
)

type Config struct {
	MaxPerTick   int
	CadenceTicks uint64
	Timeout      time.Duration
}

func DefaultConfig() Config {
	return Config{MaxPerTick: 2, CadenceTicks: 60, Timeout: 20 * time.Second}
}

// Completion is the outcome of one capability call, posted back to the loop.
type Completion struct {
	AgentID    string
	Token      uint64
	IssuedTick uint64
	Signature  string
	Response   decision.Response
	Err        error
	Latency    time.Duration
}

type Stats struct {
	Issued    uint64
	Completed uint64
	Discarded uint64
	InFlight  int
}

// Scheduler owns the in-flight set and the per-tick issue budget. All methods
// except Stats and the request goroutines it spawns run on the loop goroutine.
// Stats may be called from any goroutine.
type Scheduler struct {
	cfg Config
	src decision.Capability
	log *zap.Logger

	inflight  map[string]uint64
	nextToken uint64

	tick         uint64
	issuedInTick int

	completions chan Completion
	wg          sync.WaitGroup

	issued    atomic.Uint64
	completed atomic.Uint64
	discarded atomic.Uint64
	inflightN atomic.Int64
}

func NewScheduler(src decision.Capability, cfg Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = 1
	}
	buf := cfg.MaxPerTick * 8
	return &Scheduler{
		cfg:         cfg,
		src:         src,
		log:         log,
		inflight:    map[string]uint64{},
		completions: make(chan Completion, buf),
	}
}

func (s *Scheduler) Config() Config { return s.cfg }

// SetConfig applies a reloaded config. The completions buffer keeps its size.
func (s *Scheduler) SetConfig(cfg Config) {
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = 1
	}
	s.cfg = cfg
}

// BeginTick resets the per-tick issue budget.
func (s *Scheduler) BeginTick(tick uint64) {
	s.tick = tick
	s.issuedInTick = 0
}

func (s *Scheduler) InFlight(agentID string) bool {
	_, ok := s.inflight[agentID]
	return ok
}

func (s *Scheduler) Capacity() int { return s.cfg.MaxPerTick - s.issuedInTick }

// Consider issues a request for the agent if the tick budget allows, the agent
// has nothing in flight, and the state says a replan is due for sig.
// build is only called when a request will actually be sent.
func (s *Scheduler) Consider(ctx context.Context, agentID string, st *State, sig string, build func() decision.Request) bool {
	if s.src == nil || s.Capacity() <= 0 || s.InFlight(agentID) {
		return false
	}
	if !st.ShouldReplan(sig, s.tick, s.cfg.CadenceTicks) {
		return false
	}
	s.issue(ctx, agentID, sig, build())
	return true
}

func (s *Scheduler) issue(ctx context.Context, agentID, sig string, req decision.Request) {
	s.nextToken++
	token := s.nextToken
	s.inflight[agentID] = token
	s.inflightN.Store(int64(len(s.inflight)))
	s.issuedInTick++
	s.issued.Add(1)
	issued := s.tick

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cctx := ctx
		if s.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
			defer cancel()
		}
		start := time.Now()
		resp, err := s.src.Decide(cctx, req)
		c := Completion{
			AgentID:    agentID,
			Token:      token,
			IssuedTick: issued,
			Signature:  sig,
			Response:   resp,
			Err:        err,
			Latency:    time.Since(start),
		}
		select {
		case s.completions <- c:
		case <-ctx.Done():
		}
	}()
	s.log.Debug("replan issued", zap.String("agent", agentID), zap.Uint64("token", token), zap.Uint64("tick", issued))
}

// Drain returns every completion that has arrived, without blocking.
func (s *Scheduler) Drain() []Completion {
	var out []Completion
	for {
		select {
		case c := <-s.completions:
			out = append(out, c)
		default:
			return out
		}
	}
}

// Resolve settles a completion against the agent's state at tick. It reports
// false for a completion that no longer owns the agent's in-flight slot; such
// completions must not be applied. On any owned outcome the marker is cleared
// and LastPlanTick moves to tick.
func (s *Scheduler) Resolve(c Completion, st *State, tick uint64) bool {
	tok, ok := s.inflight[c.AgentID]
	if !ok || tok != c.Token {
		s.discarded.Add(1)
		return false
	}
	delete(s.inflight, c.AgentID)
	s.inflightN.Store(int64(len(s.inflight)))
	s.completed.Add(1)
	st.HasPlanned = true
	if tick > st.LastPlanTick {
		st.LastPlanTick = tick
	}
	return true
}

// Forget drops every in-flight marker, so late completions are discarded.
// Used when runtime state is replaced wholesale.
func (s *Scheduler) Forget() {
	s.inflight = map[string]uint64{}
	s.inflightN.Store(0)
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Issued:    s.issued.Load(),
		Completed: s.completed.Load(),
		Discarded: s.discarded.Load(),
		InFlight:  int(s.inflightN.Load()),
	}
}

// Wait blocks until every issued request goroutine has returned. Cancel the
// context passed to Consider first, or drain, to avoid waiting on a full buffer.
func (s *Scheduler) Wait() { s.wg.Wait() }
