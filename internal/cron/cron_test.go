package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhearth/hearth/internal/agent"
	"github.com/openhearth/hearth/internal/bus"
	"github.com/openhearth/hearth/internal/channels"
)

func TestNextFireAtOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next, ok, err := NextFire(Schedule{Kind: KindAtOnce, At: now.Add(time.Hour)}, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour), next)

	_, ok, err = NextFire(Schedule{Kind: KindAtOnce, At: now.Add(-time.Minute)}, now)
	require.NoError(t, err)
	assert.False(t, ok, "past at_once has no future fire")
}

func TestNextFireEveryIsStrictlyFuture(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sched := Schedule{Kind: KindEvery, IntervalSec: 60, Anchor: anchor}

	// Exactly on a boundary advances to the next one.
	now := anchor.Add(5 * time.Minute)
	next, ok, err := NextFire(sched, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, anchor.Add(6*time.Minute), next)

	// Mid-interval rounds up.
	next, _, err = NextFire(sched, anchor.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(2*time.Minute), next)

	// Before the anchor the anchor itself is the first fire.
	next, _, err = NextFire(sched, anchor.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, anchor, next)
}

func TestNextFireCronExpr(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 2, 30, 0, time.UTC)
	next, ok, err := NextFire(Schedule{Kind: KindCron, Expr: "*/5 * * * *"}, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), next.UTC())
	assert.True(t, next.After(now))
}

func TestScheduleValidate(t *testing.T) {
	assert.Error(t, Schedule{Kind: KindAtOnce}.Validate())
	assert.Error(t, Schedule{Kind: KindEvery}.Validate())
	assert.Error(t, Schedule{Kind: KindCron, Expr: "not a cron"}.Validate())
	assert.Error(t, Schedule{Kind: "weekly"}.Validate())
	assert.NoError(t, Schedule{Kind: KindEvery, IntervalSec: 30}.Validate())
	assert.NoError(t, Schedule{Kind: KindCron, Expr: "0 9 * * 1"}.Validate())
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	require.NoError(t, err)

	job := &Job{
		ID:       "j1",
		Name:     "morning brief",
		Schedule: Schedule{Kind: KindCron, Expr: "0 9 * * *"},
		Action:   Action{Kind: ActionSystemEvent, Event: "brief"},
		Enabled:  true,
	}
	require.NoError(t, st.Put(job))
	require.NoError(t, st.AppendRun(RunRecord{JobID: "j1", Status: "ok"}))
	require.NoError(t, st.AppendRun(RunRecord{JobID: "j2", Status: "error", Error: "boom"}))

	st2, err := NewStore(dir)
	require.NoError(t, err)
	got, ok := st2.Get("j1")
	require.True(t, ok)
	assert.Equal(t, "morning brief", got.Name)

	runs, err := st2.Runs("j1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].Status)

	all, err := st2.Runs("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, st2.Delete("j1"))
	_, ok = st2.Get("j1")
	assert.False(t, ok)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []channels.Outbound
}

func (f *fakeSender) Send(_ context.Context, name string, out channels.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return nil
}

type fakeRunner struct {
	mu   sync.Mutex
	reqs []agent.TurnRequest
}

func (f *fakeRunner) RunTurn(_ context.Context, req agent.TurnRequest) (<-chan bus.Event, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	ch := make(chan bus.Event, 1)
	ch <- bus.New(bus.AgentDone, "agent", nil)
	close(ch)
	return ch, nil
}

func newTestService(t *testing.T, sender ChannelSender) (*Service, *bus.Bus, *fakeRunner) {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	b := bus.NewBus()
	runner := &fakeRunner{}
	svc := NewService(st, b, runner, func() ChannelSender { return sender })
	return svc, b, runner
}

func TestAddAssignsIDAndHorizon(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	job, err := svc.Add(Job{
		Schedule: Schedule{Kind: KindEvery, IntervalSec: 3600},
		Action:   Action{Kind: ActionSystemEvent, Event: "ping"},
		Enabled:  true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, OverlapSkip, job.Overlap)
	assert.True(t, job.NextRunAt.After(time.Now()))

	_, err = svc.Add(Job{Schedule: Schedule{Kind: KindCron, Expr: "bad"}, Action: Action{Kind: ActionSystemEvent}})
	assert.Error(t, err)
}

func TestAtOnceJobFiresAndSpends(t *testing.T) {
	svc, b, _ := newTestService(t, nil)

	var mu sync.Mutex
	var done []bus.Event
	b.Subscribe(bus.CronRunDone, func(ev bus.Event) {
		mu.Lock()
		done = append(done, ev)
		mu.Unlock()
	})

	job, err := svc.Add(Job{
		Schedule: Schedule{Kind: KindAtOnce, At: time.Now().Add(30 * time.Millisecond)},
		Action:   Action{Kind: ActionSystemEvent, Event: "once"},
		Enabled:  true,
	})
	require.NoError(t, err)

	svc.Start(context.Background())
	defer svc.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(done) == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, ok := svc.store.Get(job.ID)
		return ok && !got.Enabled && got.LastResult == "ok"
	}, time.Second, 10*time.Millisecond)

	runs, err := svc.Runs(job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ok", runs[0].Status)
}

func TestChannelSendBeforeManagerBound(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	b := bus.NewBus()

	var mgr ChannelSender // nil until "bootstrap" binds it
	svc := NewService(st, b, nil, func() ChannelSender { return mgr })

	job, err := svc.Add(Job{
		Schedule: Schedule{Kind: KindEvery, IntervalSec: 3600},
		Action:   Action{Kind: ActionChannelSend, Channel: "telegram", Target: "42", Body: "reminder"},
		Enabled:  true,
	})
	require.NoError(t, err)

	require.NoError(t, svc.RunNow(context.Background(), job.ID))
	got, _ := svc.store.Get(job.ID)
	assert.True(t, got.Degraded)
	assert.Contains(t, got.LastResult, "unavailable")

	sender := &fakeSender{}
	mgr = sender
	require.NoError(t, svc.RunNow(context.Background(), job.ID))
	got, _ = svc.store.Get(job.ID)
	assert.False(t, got.Degraded)
	assert.Equal(t, "ok", got.LastResult)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "reminder", sender.sent[0].Text)
	assert.Equal(t, "42", sender.sent[0].ChatID)
}

func TestAgentTurnDispatch(t *testing.T) {
	svc, _, runner := newTestService(t, nil)
	job, err := svc.Add(Job{
		Schedule: Schedule{Kind: KindEvery, IntervalSec: 3600},
		Action:   Action{Kind: ActionAgentTurn, SessionID: "cron:brief", Prompt: "summarize today"},
		Enabled:  true,
	})
	require.NoError(t, err)

	require.NoError(t, svc.RunNow(context.Background(), job.ID))
	require.Len(t, runner.reqs, 1)
	assert.Equal(t, "cron:brief", runner.reqs[0].SessionID)
	assert.Equal(t, "summarize today", runner.reqs[0].Content)
	assert.Equal(t, "cron", runner.reqs[0].Source)
}

func TestRunNowRespectsInFlightRun(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	job, err := svc.Add(Job{
		Schedule: Schedule{Kind: KindEvery, IntervalSec: 3600},
		Action:   Action{Kind: ActionSystemEvent, Event: "tick"},
		Enabled:  true,
	})
	require.NoError(t, err)

	svc.mu.Lock()
	svc.running[job.ID] = true
	svc.mu.Unlock()

	// Default skip policy: a manual run must not overlap a running one.
	err = svc.RunNow(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	runs, err := svc.Runs(job.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected manual run must not dispatch")
}

func TestRunNowQueuesUnderQueuePolicy(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	job, err := svc.Add(Job{
		Schedule: Schedule{Kind: KindEvery, IntervalSec: 3600},
		Action:   Action{Kind: ActionSystemEvent, Event: "tick"},
		Overlap:  OverlapQueue,
		Enabled:  true,
	})
	require.NoError(t, err)

	svc.mu.Lock()
	svc.running[job.ID] = true
	svc.mu.Unlock()

	require.NoError(t, svc.RunNow(context.Background(), job.ID))

	svc.mu.Lock()
	queued := svc.backlog[job.ID]
	svc.mu.Unlock()
	assert.Equal(t, 1, queued)
}

func TestOverlapSkipCountsMissedFires(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	job, err := svc.Add(Job{
		Schedule: Schedule{Kind: KindEvery, IntervalSec: 3600},
		Action:   Action{Kind: ActionSystemEvent, Event: "tick"},
		Enabled:  true,
	})
	require.NoError(t, err)

	// Force the horizon into the past and mark a run in flight.
	require.NoError(t, svc.store.Mutate(job.ID, func(j *Job) {
		j.NextRunAt = time.Now().Add(-time.Second)
	}))
	svc.mu.Lock()
	svc.running[job.ID] = true
	svc.mu.Unlock()

	svc.tick(context.Background())

	got, _ := svc.store.Get(job.ID)
	assert.Equal(t, 1, got.SkippedOverrun)
	runs, err := svc.Runs(job.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "skipped", runs[0].Status)
}

func TestOverlapQueueRunsBacklogAfter(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	job, err := svc.Add(Job{
		Schedule: Schedule{Kind: KindEvery, IntervalSec: 3600},
		Action:   Action{Kind: ActionSystemEvent, Event: "tick"},
		Overlap:  OverlapQueue,
		Enabled:  true,
	})
	require.NoError(t, err)

	require.NoError(t, svc.store.Mutate(job.ID, func(j *Job) {
		j.NextRunAt = time.Now().Add(-time.Second)
	}))
	svc.mu.Lock()
	svc.running[job.ID] = true
	svc.mu.Unlock()

	svc.tick(context.Background())

	svc.mu.Lock()
	queued := svc.backlog[job.ID]
	svc.mu.Unlock()
	assert.Equal(t, 1, queued)

	got, _ := svc.store.Get(job.ID)
	assert.Zero(t, got.SkippedOverrun)
}
