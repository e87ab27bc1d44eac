package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhearth/hearth/internal/agent"
	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/channels"
)

// TurnRunner is the slice of the agent runtime cron needs.
type TurnRunner interface {
	RunTurn(ctx context.Context, req agent.TurnRequest) (<-chan bus.Event, error)
}

// ChannelSender is the slice of the channel manager cron needs.
type ChannelSender interface {
	Send(ctx context.Context, name string, out channels.Outbound) error
}

// ChannelAccessor resolves the channel manager lazily. It returns nil until
// the manager is built, letting the service initialize before it exists.
type ChannelAccessor func() ChannelSender

// ErrChannelUnavailable marks a channel_send fired before the channel
// manager was bound.
var ErrChannelUnavailable = fmt.Errorf("cron: channel manager unavailable")

// queuedBacklog caps how many overlapped fires a queue-policy job may hold.
const queuedBacklog = 4

// Service owns the tick loop. Mutations wake it so the sleep horizon is
// always the minimum next fire across enabled jobs.
type Service struct {
	store    *Store
	bus      *bus.Bus
	runner   TurnRunner
	channels ChannelAccessor

	now func() time.Time

	mu      sync.Mutex
	running map[string]bool // job id -> run in flight
	backlog map[string]int  // queue-policy pending fires
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewService(store *Store, b *bus.Bus, runner TurnRunner, channels ChannelAccessor) *Service {
	return &Service{
		store:    store,
		bus:      b,
		runner:   runner,
		channels: channels,
		now:      time.Now,
		running:  make(map[string]bool),
		backlog:  make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the tick loop. Next-fire times are recomputed first so jobs
// whose schedule passed while the process was down fire on fresh horizons.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	for _, job := range s.store.List() {
		if job.Enabled {
			s.reschedule(job.ID)
		}
	}
	go s.loop(ctx)
}

// Stop halts the tick loop and waits for in-flight runs.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.wg.Wait()
}

// Add validates, assigns an id when missing, computes the first fire, and
// persists the job.
func (s *Service) Add(job Job) (Job, error) {
	if err := job.Schedule.Validate(); err != nil {
		return Job{}, err
	}
	if job.Action.Kind == "" {
		return Job{}, fmt.Errorf("cron: job needs an action")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Overlap == "" {
		job.Overlap = OverlapSkip
	}
	if job.Enabled {
		next, ok, err := NextFire(job.Schedule, s.now())
		if err != nil {
			return Job{}, err
		}
		if !ok {
			return Job{}, fmt.Errorf("cron: schedule has no future fire")
		}
		job.NextRunAt = next
	}
	if err := s.store.Put(&job); err != nil {
		return Job{}, err
	}
	s.poke()
	return job, nil
}

// Remove deletes a job.
func (s *Service) Remove(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.poke()
	return nil
}

// Enable flips a job on or off, recomputing the horizon when enabling.
func (s *Service) Enable(id string, enabled bool) error {
	err := s.store.Mutate(id, func(j *Job) {
		j.Enabled = enabled
		if enabled {
			if next, ok, ferr := NextFire(j.Schedule, s.now()); ferr == nil && ok {
				j.NextRunAt = next
			}
		} else {
			j.NextRunAt = time.Time{}
		}
	})
	if err != nil {
		return err
	}
	s.poke()
	return nil
}

// RunNow dispatches a job immediately, outside its schedule. It shares the
// in-flight bookkeeping with the tick loop, so a manual run cannot overlap a
// scheduled one: under the queue policy it joins the backlog, otherwise it
// is rejected.
func (s *Service) RunNow(ctx context.Context, id string) error {
	job, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("cron: unknown job %q", id)
	}

	s.mu.Lock()
	if s.running[id] {
		if job.Overlap == OverlapQueue && s.backlog[id] < queuedBacklog {
			s.backlog[id]++
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return fmt.Errorf("cron: job %q is already running", id)
	}
	s.running[id] = true
	s.mu.Unlock()

	s.wg.Add(1)
	s.runJob(ctx, job)
	return nil
}

// List returns all jobs.
func (s *Service) List() []Job { return s.store.List() }

// Runs returns recent run records for a job ("" for all).
func (s *Service) Runs(jobID string, limit int) ([]RunRecord, error) {
	return s.store.Runs(jobID, limit)
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := s.now()
		next := s.horizon(now)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next.Sub(now))

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			continue
		case <-timer.C:
		}

		s.tick(ctx)
	}
}

// horizon is the earliest next fire across enabled jobs, or a long idle
// sleep when nothing is scheduled.
func (s *Service) horizon(now time.Time) time.Time {
	idle := now.Add(time.Hour)
	min := idle
	for _, job := range s.store.List() {
		if !job.Enabled || job.NextRunAt.IsZero() {
			continue
		}
		if job.NextRunAt.Before(min) {
			min = job.NextRunAt
		}
	}
	if min.Before(now) {
		return now
	}
	return min
}

// tick fires every due job and advances its horizon.
func (s *Service) tick(ctx context.Context) {
	now := s.now()
	ev := bus.New(bus.CronTick, "cron", map[string]interface{}{"at": now.UTC().Format(time.RFC3339)})
	ev.Broadcast = true
	s.bus.Publish(ev)

	for _, job := range s.store.List() {
		if !job.Enabled || job.NextRunAt.IsZero() || job.NextRunAt.After(now) {
			continue
		}
		s.reschedule(job.ID)

		s.mu.Lock()
		inFlight := s.running[job.ID]
		if inFlight {
			if job.Overlap == OverlapQueue && s.backlog[job.ID] < queuedBacklog {
				s.backlog[job.ID]++
				s.mu.Unlock()
				continue
			}
			s.mu.Unlock()
			_ = s.store.Mutate(job.ID, func(j *Job) { j.SkippedOverrun++ })
			_ = s.store.AppendRun(RunRecord{JobID: job.ID, StartedAt: now, EndedAt: now, Status: "skipped"})
			continue
		}
		s.running[job.ID] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
}

// reschedule recomputes a job's next fire; a spent at_once job is disabled.
func (s *Service) reschedule(id string) {
	_ = s.store.Mutate(id, func(j *Job) {
		next, ok, err := NextFire(j.Schedule, s.now())
		if err != nil || !ok {
			j.Enabled = false
			j.NextRunAt = time.Time{}
			return
		}
		j.NextRunAt = next
	})
}

// runJob executes one fire plus any queued backlog, then releases the slot.
func (s *Service) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()
	for {
		s.fire(ctx, job)

		s.mu.Lock()
		if s.backlog[job.ID] > 0 {
			s.backlog[job.ID]--
			s.mu.Unlock()
			if fresh, ok := s.store.Get(job.ID); ok {
				job = fresh
			}
			continue
		}
		delete(s.running, job.ID)
		s.mu.Unlock()
		return
	}
}

// fire dispatches the job's action once and records the outcome.
func (s *Service) fire(ctx context.Context, job Job) {
	started := s.now()
	ev := bus.New(bus.CronRunStart, "cron", map[string]interface{}{"job_id": job.ID, "name": job.Name})
	ev.Broadcast = true
	s.bus.Publish(ev)

	err := s.dispatch(ctx, job)
	ended := s.now()

	rec := RunRecord{JobID: job.ID, StartedAt: started, EndedAt: ended, Status: "ok"}
	if err != nil {
		rec.Status = "error"
		rec.Error = err.Error()
	}
	if aerr := s.store.AppendRun(rec); aerr != nil {
		slog.Error("cron run log append failed", "job", job.ID, "error", aerr)
	}
	_ = s.store.Mutate(job.ID, func(j *Job) {
		j.LastRunAt = started
		if err != nil {
			j.LastResult = err.Error()
			j.Degraded = true
		} else {
			j.LastResult = "ok"
			j.Degraded = false
		}
	})

	if err != nil {
		slog.Error("cron run failed", "job", job.ID, "error", err)
		fe := bus.New(bus.CronRunFailed, "cron", map[string]interface{}{
			"job_id": job.ID, "error": err.Error(),
		})
		fe.Broadcast = true
		s.bus.Publish(fe)
		return
	}
	de := bus.New(bus.CronRunDone, "cron", map[string]interface{}{
		"job_id": job.ID, "duration_ms": ended.Sub(started).Milliseconds(),
	})
	de.Broadcast = true
	s.bus.Publish(de)
}

func (s *Service) dispatch(ctx context.Context, job Job) error {
	switch job.Action.Kind {
	case ActionSystemEvent:
		name := job.Action.Event
		if name == "" {
			name = "custom"
		}
		ev := bus.New(bus.EventType("cron.event."+name), "cron", job.Action.Data)
		ev.Broadcast = true
		s.bus.Publish(ev)
		return nil

	case ActionAgentTurn:
		if s.runner == nil {
			return fmt.Errorf("cron: no agent runtime bound")
		}
		events, err := s.runner.RunTurn(ctx, agent.TurnRequest{
			SessionID: job.Action.SessionID,
			Content:   job.Action.Prompt,
			Source:    "cron",
		})
		if err != nil {
			return fmt.Errorf("cron: start turn: %w", err)
		}
		for ev := range events {
			if ev.Type == bus.AgentError {
				if recovered, _ := ev.Data["recovered"].(bool); !recovered {
					msg, _ := ev.Data["error"].(string)
					return fmt.Errorf("cron: turn failed: %s", msg)
				}
			}
		}
		return nil

	case ActionChannelSend:
		mgr := s.channels()
		if mgr == nil {
			return ErrChannelUnavailable
		}
		return mgr.Send(ctx, job.Action.Channel, channels.Outbound{
			ChatID: job.Action.Target,
			Text:   job.Action.Body,
		})

	default:
		return fmt.Errorf("cron: unknown action kind %q", job.Action.Kind)
	}
}
