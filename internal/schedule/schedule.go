// Package schedule runs pipeline requests on a cron cadence: a stored
// natural-language request is replayed through the runner whenever its
// cron expression fires, so a recurring workflow can be regenerated and
// redeployed against the latest corpus.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/forgeflow/forgeflow/internal/eventbus"
)

// RunFunc starts one pipeline run for a stored request.
type RunFunc func(ctx context.Context, request string) error

// Schedule is one registered recurring run.
type Schedule struct {
	ID        string     `json:"id"`
	Request   string     `json:"request"`
	CronExpr  string     `json:"cron_expr"`
	Timezone  string     `json:"timezone,omitempty"`
	Enabled   bool       `json:"enabled"`
	NextRunAt time.Time  `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Service owns the cron runner and the registered schedules.
type Service struct {
	run  RunFunc
	cron *cron.Cron

	mu        sync.Mutex
	schedules map[string]*Schedule
	entryMap  map[string]cron.EntryID
}

// NewService creates a Service dispatching fired schedules to run.
func NewService(run RunFunc) *Service {
	return &Service{
		run:       run,
		cron:      cron.New(cron.WithSeconds()),
		schedules: make(map[string]*Schedule),
		entryMap:  make(map[string]cron.EntryID),
	}
}

// Start begins the cron loop.
func (s *Service) Start() { s.cron.Start() }

// Stop halts the cron loop, waiting for any in-flight job.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// parseCronExpr tries 6-field (with seconds) then 5-field (standard)
// parsing. A non-UTC timezone is applied via the CRON_TZ= prefix.
func parseCronExpr(expr, timezone string) (cron.Schedule, error) {
	if timezone != "" && timezone != "UTC" {
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	parser6 := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser6.Parse(expr)
	if err == nil {
		return sched, nil
	}
	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser5.Parse(expr)
}

// Create validates the cron expression, registers the schedule, and
// returns it with its first fire time filled in.
func (s *Service) Create(request, cronExpr, timezone string) (*Schedule, error) {
	if request == "" {
		return nil, fmt.Errorf("schedule: empty request")
	}
	cronSched, err := parseCronExpr(cronExpr, timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron expression %q: %w", cronExpr, err)
	}

	sched := &Schedule{
		ID:        eventbus.GenerateID("sched"),
		Request:   request,
		CronExpr:  cronExpr,
		Timezone:  timezone,
		Enabled:   true,
		NextRunAt: cronSched.Next(time.Now()),
		CreatedAt: time.Now(),
	}

	entryID := s.cron.Schedule(cronSched, cron.FuncJob(func() {
		s.fire(sched.ID)
	}))

	s.mu.Lock()
	s.schedules[sched.ID] = sched
	s.entryMap[sched.ID] = entryID
	s.mu.Unlock()

	slog.Info("schedule: registered", "id", sched.ID, "cron", cronExpr, "next", sched.NextRunAt)
	return sched, nil
}

// Delete unregisters a schedule. Unknown ids are not an error.
func (s *Service) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entryMap[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entryMap, id)
	}
	delete(s.schedules, id)
}

// Get returns a copy of the schedule with the given id.
func (s *Service) Get(id string) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return Schedule{}, false
	}
	return *sched, true
}

// List returns a copy of every registered schedule.
func (s *Service) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, *sched)
	}
	return out
}

// fire dispatches one scheduled run and updates the schedule's
// bookkeeping. Errors from the run are logged, not propagated — the
// cron loop must keep ticking.
func (s *Service) fire(id string) {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok || !sched.Enabled {
		s.mu.Unlock()
		return
	}
	request := sched.Request
	now := time.Now()
	sched.LastRunAt = &now
	if entryID, ok := s.entryMap[id]; ok {
		sched.NextRunAt = s.cron.Entry(entryID).Next
	}
	s.mu.Unlock()

	slog.Info("schedule: firing", "id", id)
	if err := s.run(context.Background(), request); err != nil {
		slog.Warn("schedule: run failed", "id", id, "error", err)
	}
}
