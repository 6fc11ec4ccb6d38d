// Package trigger submits job graphs on cron or interval schedules.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"qualix/internal/eventbus"
	"qualix/internal/scheduler"
	logx "qualix/pkg/logx"
)

var (
	ErrUnknownTrigger = errors.New("trigger: unknown trigger")
	ErrUnknownGraph   = errors.New("trigger: unknown graph")
	ErrOverlap        = errors.New("trigger: previous run still in flight")
)

const (
	EventFired   = "trigger.fired"
	EventSkipped = "trigger.skipped"
	EventFailed  = "trigger.failed"
)

// GraphFunc builds a fresh job graph (dependencies wired, nothing submitted).
// Jobs are enqueued in the returned order.
type GraphFunc func(ctx context.Context) ([]*scheduler.Job, error)

// Def binds a schedule to a registered graph.
type Def struct {
	Name     string
	Schedule string
	Graph    string
}

type Config struct {
	Enabled  bool
	Timezone string
	Triggers []Def
}

// Info is a snapshot of one trigger.
type Info struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Graph     string    `json:"graph"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
	Fired     uint64    `json:"fired"`
	Skipped   uint64    `json:"skipped"`
	Failed    uint64    `json:"failed"`
	LastFired time.Time `json:"last_fired,omitempty"`
	LastErr   string    `json:"last_err,omitempty"`
}

type FiredEvent struct {
	Trigger string   `json:"trigger"`
	Graph   string   `json:"graph"`
	Jobs    []string `json:"jobs,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type trigger struct {
	def     Def
	sched   Schedule
	entryID cron.EntryID

	// guarded by Service.mu
	last      []*scheduler.Job
	inFlight  bool
	fired     uint64
	skipped   uint64
	failed    uint64
	lastFired time.Time
	lastErr   string
}

type Service struct {
	q   scheduler.Queue
	log logx.Logger
	bus eventbus.Bus

	parser cron.Parser

	mu       sync.Mutex
	cfg      Config
	ctx      context.Context
	graphs   map[string]GraphFunc
	triggers map[string]*trigger
	c        *cron.Cron
	loc      *time.Location
}

func New(cfg Config, q scheduler.Queue, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		q:   q,
		log: log,
		bus: bus,
		// Both 5-field and 6-field (with seconds) expressions.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:      cfg,
		ctx:      context.Background(),
		graphs:   map[string]GraphFunc{},
		triggers: map[string]*trigger{},
	}
}

// Register makes a graph available to trigger definitions under name.
func (s *Service) Register(name string, fn GraphFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[name] = fn
}

func (s *Service) HasGraph(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graphs[name] != nil
}

// Apply replaces the trigger set. Run state of triggers that keep their name
// survives. Invalid definitions are reported and skipped.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg

	next := map[string]*trigger{}
	var errs []error
	for _, d := range cfg.Triggers {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("trigger: name required"))
			continue
		}
		sc, err := ParseSchedule(d.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("trigger %s: %w", name, err))
			continue
		}
		if sc.Kind == KindCron {
			if _, err := s.parser.Parse(sc.Cron); err != nil {
				errs = append(errs, fmt.Errorf("trigger %s: %w", name, err))
				continue
			}
		}
		t := &trigger{def: d, sched: sc}
		if old := s.triggers[name]; old != nil {
			t.last, t.inFlight = old.last, old.inFlight
			t.fired, t.skipped, t.failed = old.fired, old.skipped, old.failed
			t.lastFired, t.lastErr = old.lastFired, old.lastErr
		}
		next[name] = t
	}
	s.triggers = next

	if s.c != nil {
		if tzChanged {
			s.restartLocked()
		} else {
			s.resyncLocked()
		}
	}
	return errors.Join(errs...)
}

// Start begins firing triggers. ctx is handed to graph builders.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Apply(s.currentConfig()); err != nil {
		s.log.Warn("some triggers are invalid", logx.Err(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	if ctx != nil {
		s.ctx = ctx
	}
	s.startLocked()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.triggers)))
	return nil
}

func (s *Service) currentConfig() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Stop halts cron and waits for a firing in progress (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, t := range s.triggers {
		s.addLocked(t)
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	old := s.c
	s.startLocked()
	if old != nil {
		old.Stop()
	}
}

func (s *Service) resyncLocked() {
	for _, e := range s.c.Entries() {
		s.c.Remove(e.ID)
	}
	for _, t := range s.triggers {
		s.addLocked(t)
	}
}

func (s *Service) addLocked(t *trigger) {
	name := t.def.Name
	job := cron.FuncJob(func() {
		if _, err := s.Fire(name); err != nil && !errors.Is(err, ErrOverlap) {
			s.log.Warn("trigger fire failed", logx.String("trigger", name), logx.Err(err))
		}
	})
	if t.sched.Kind == KindInterval {
		t.entryID = s.c.Schedule(withStartupSpread(t.sched.Every, time.Now().In(s.loc), name), job)
		return
	}
	id, err := s.c.AddJob(t.sched.Cron, job)
	if err != nil {
		s.log.Error("trigger register failed", logx.String("trigger", name), logx.String("spec", t.sched.Cron), logx.Err(err))
		return
	}
	t.entryID = id
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Fire builds and submits the graph of trigger name now and returns the
// submitted jobs.
//
// A previous run still being submitted, queued or running makes Fire return
// ErrOverlap. A previous run that failed leaves its remaining jobs stalled;
// they are dequeued and a fresh graph is submitted.
func (s *Service) Fire(name string) ([]*scheduler.Job, error) {
	s.mu.Lock()
	t := s.triggers[name]
	if t == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	graph := t.def.Graph
	build := s.graphs[graph]
	ctx := s.ctx
	if build == nil {
		t.failed++
		t.lastErr = ErrUnknownGraph.Error()
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, graph)
	}
	stalled, busy := inspect(t.last)
	if busy || t.inFlight {
		t.skipped++
		s.mu.Unlock()
		s.log.Info("trigger skipped: previous run in flight", logx.String("trigger", name))
		s.publish(EventSkipped, FiredEvent{Trigger: name, Graph: graph})
		return nil, fmt.Errorf("%w: %s", ErrOverlap, name)
	}
	t.last = nil
	t.inFlight = true
	s.mu.Unlock()

	for _, j := range stalled {
		s.q.Dequeue(j)
	}

	jobs, err := s.submit(ctx, build)

	s.mu.Lock()
	// Apply may have replaced the entry while the graph was built.
	if cur := s.triggers[name]; cur != nil {
		t = cur
	}
	t.inFlight = false
	t.lastFired = time.Now()
	if err != nil {
		t.failed++
		t.lastErr = err.Error()
	} else {
		t.fired++
		t.lastErr = ""
		t.last = jobs
	}
	s.mu.Unlock()

	ev := FiredEvent{Trigger: name, Graph: graph}
	if err != nil {
		ev.Error = err.Error()
		s.publish(EventFailed, ev)
		return nil, fmt.Errorf("trigger %s: %w", name, err)
	}
	for _, j := range jobs {
		ev.Jobs = append(ev.Jobs, j.Name())
	}
	s.log.Debug("trigger fired", logx.String("trigger", name), logx.Int("jobs", len(jobs)))
	s.publish(EventFired, ev)
	return jobs, nil
}

func (s *Service) submit(ctx context.Context, build GraphFunc) (_ []*scheduler.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("graph builder panicked: %v", r)
		}
	}()
	jobs, err := build(ctx)
	if err != nil {
		return nil, err
	}
	for i, j := range jobs {
		if err := s.q.Enqueue(j); err != nil {
			for _, done := range jobs[:i] {
				s.q.Dequeue(done)
			}
			return nil, err
		}
	}
	return jobs, nil
}

// inspect classifies the jobs of a previous run. The run is busy while a job
// runs or a queued job can still become runnable. Once a job failed, the
// queued leftovers can never run and are returned as stalled.
func inspect(jobs []*scheduler.Job) (stalled []*scheduler.Job, busy bool) {
	failed := false
	for _, j := range jobs {
		switch j.State() {
		case scheduler.StateRunning:
			return nil, true
		case scheduler.StateError:
			failed = true
		case scheduler.StateQueued:
			if !j.Dequeued() {
				stalled = append(stalled, j)
			}
		}
	}
	if len(stalled) > 0 && !failed {
		return nil, true
	}
	return stalled, false
}

// Snapshot returns the triggers sorted by name.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.triggers))
	for _, t := range s.triggers {
		it := Info{
			Name:      t.def.Name,
			Schedule:  t.sched.Spec(),
			Graph:     t.def.Graph,
			Fired:     t.fired,
			Skipped:   t.skipped,
			Failed:    t.failed,
			LastFired: t.lastFired,
			LastErr:   t.lastErr,
		}
		if s.c != nil && t.entryID != 0 {
			e := s.c.Entry(t.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Service) publish(typ string, ev FiredEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
