package drain_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphummel/drain_gear/internal/broker"
	"github.com/tphummel/drain_gear/internal/brokertest"
	"github.com/tphummel/drain_gear/internal/drain"
	"github.com/tphummel/drain_gear/internal/eventlog"
	"github.com/tphummel/drain_gear/internal/models"
)

// fakeBroker is a scriptable in-process broker for scheduler tests.
type fakeBroker struct {
	mu              sync.Mutex
	sessions        map[string]int
	maint           map[string]bool
	restarts        []string
	restartAttempts map[string]int
	notified        map[string]int
	lastNoticeText  string
	getErrs         map[string]int // remaining GetMachine failures per machine
	restartFails    map[string]bool
	notifyFails     bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		sessions:        make(map[string]int),
		maint:           make(map[string]bool),
		restartAttempts: make(map[string]int),
		notified:        make(map[string]int),
		getErrs:         make(map[string]int),
		restartFails:    make(map[string]bool),
	}
}

func (f *fakeBroker) addMachine(name string, sessionCount int) *models.Machine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = sessionCount
	f.maint[name] = true
	return &models.Machine{Name: name, PowerState: models.PowerStateOn, InMaintenance: true}
}

func (f *fakeBroker) setSessions(name string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = n
}

func (f *fakeBroker) GetMachine(_ context.Context, name string) (*models.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErrs[name] > 0 {
		f.getErrs[name]--
		return nil, errors.New("broker unavailable")
	}
	return &models.Machine{
		Name:          name,
		PowerState:    models.PowerStateOn,
		InMaintenance: f.maint[name],
		SessionCount:  f.sessions[name],
	}, nil
}

func (f *fakeBroker) ListSessions(_ context.Context, name string) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Session, f.sessions[name])
	for i := range out {
		out[i] = models.Session{ID: fmt.Sprintf("%s/%d", name, i), UserName: "user", State: "active"}
	}
	return out, nil
}

func (f *fakeBroker) NotifySessions(_ context.Context, sessionIDs []string, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyFails {
		return errors.New("notification service down")
	}
	machine := strings.SplitN(sessionIDs[0], "/", 2)[0]
	f.notified[machine]++
	f.lastNoticeText = text
	return nil
}

func (f *fakeBroker) SetMaintenance(_ context.Context, name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maint[name] = enabled
	return nil
}

func (f *fakeBroker) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartAttempts[name]++
	if f.restartFails[name] {
		return errors.New("power action rejected")
	}
	f.restarts = append(f.restarts, name)
	f.sessions[name] = 0
	return nil
}

func testRecorder(t *testing.T) (*eventlog.Recorder, *eventlog.Store) {
	t.Helper()
	store, err := eventlog.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return eventlog.NewRecorder(store, nil, "test-run"), store
}

// countCode returns how many events with the given code were recorded.
func countCode(t *testing.T, store *eventlog.Store, code int) int {
	t.Helper()
	events, err := store.ByRun("test-run")
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.Code == code {
			n++
		}
	}
	return n
}

func TestIdleMachinesRestartFirstCycleWithoutSleep(t *testing.T) {
	fake := newFakeBroker()
	a := fake.addMachine("QA2", 0)
	b := fake.addMachine("QA4", 0)
	rec, _ := testRecorder(t)

	sleeps := 0
	s := &drain.Scheduler{
		Broker: fake,
		Events: rec,
		Sleep:  func(time.Duration) { sleeps++ },
	}
	require.NoError(t, s.Run(context.Background(), []*models.Machine{a, b}))

	assert.ElementsMatch(t, []string{"QA2", "QA4"}, fake.restarts)
	assert.Equal(t, 0, sleeps, "an idle fleet drains in one cycle with no delay")
	assert.False(t, fake.maint["QA2"], "maintenance mode cleared before restart")
	assert.False(t, fake.maint["QA4"], "maintenance mode cleared before restart")
}

func TestActiveMachineWarnedOncePerCycleThenRestartedWhenIdle(t *testing.T) {
	fake := newFakeBroker()
	a := fake.addMachine("QA2", 2)
	rec, store := testRecorder(t)

	sleeps := 0
	s := &drain.Scheduler{
		Broker:   fake,
		Events:   rec,
		Interval: 5 * time.Minute,
		Budget:   30 * time.Hour,
		Sleep: func(time.Duration) {
			sleeps++
			if sleeps == 3 {
				// Users log off during the third wait.
				fake.setSessions("QA2", 0)
			}
		},
	}
	require.NoError(t, s.Run(context.Background(), []*models.Machine{a}))

	assert.Equal(t, []string{"QA2"}, fake.restarts)
	assert.Equal(t, 3, fake.notified["QA2"], "exactly one warning per pending cycle")
	assert.Equal(t, 3, sleeps)
	assert.Equal(t, 1, countCode(t, store, eventlog.CodeRestartIssued))
	assert.Equal(t, 0, countCode(t, store, eventlog.CodeForcedRestart))
}

func TestForcedRestartAfterBudgetExpires(t *testing.T) {
	// Budget of six intervals: at most six poll cycles happen before the
	// still-pending machine is forced.
	fake := newFakeBroker()
	a := fake.addMachine("QA1", 4)
	rec, store := testRecorder(t)

	sleeps := 0
	s := &drain.Scheduler{
		Broker:   fake,
		Events:   rec,
		Interval: 5 * time.Minute,
		Budget:   30 * time.Minute,
		Sleep:    func(time.Duration) { sleeps++ },
	}
	require.NoError(t, s.Run(context.Background(), []*models.Machine{a}))

	assert.Equal(t, []string{"QA1"}, fake.restarts)
	assert.Equal(t, 6, fake.notified["QA1"])
	assert.Equal(t, 6, sleeps)
	assert.Equal(t, 1, countCode(t, store, eventlog.CodeForcedRestart))
	assert.Equal(t, 1, fake.restartAttempts["QA1"], "forced restart is still issued exactly once")
	assert.False(t, fake.maint["QA1"], "maintenance mode cleared on forced restart")
}

func TestWarningTextReportsRemainingMinutes(t *testing.T) {
	fake := newFakeBroker()
	a := fake.addMachine("QA1", 1)
	rec, _ := testRecorder(t)

	s := &drain.Scheduler{
		Broker:   fake,
		Events:   rec,
		Interval: 5 * time.Minute,
		Budget:   30 * time.Minute,
		Sleep: func(time.Duration) {
			fake.setSessions("QA1", 0)
		},
	}
	require.NoError(t, s.Run(context.Background(), []*models.Machine{a}))

	assert.Contains(t, fake.lastNoticeText, "30 minutes")
}

func TestMachineNeverRestartedTwice(t *testing.T) {
	fake := newFakeBroker()
	a := fake.addMachine("QA2", 0)
	b := fake.addMachine("QA4", 1)
	rec, _ := testRecorder(t)

	sleeps := 0
	s := &drain.Scheduler{
		Broker: fake,
		Events: rec,
		Sleep: func(time.Duration) {
			sleeps++
			fake.setSessions("QA4", 0)
		},
	}
	require.NoError(t, s.Run(context.Background(), []*models.Machine{a, b}))

	assert.Equal(t, 1, fake.restartAttempts["QA2"])
	assert.Equal(t, 1, fake.restartAttempts["QA4"])
}

func TestGetMachineFailureKeepsMachinePending(t *testing.T) {
	fake := newFakeBroker()
	a := fake.addMachine("QA2", 0)
	fake.getErrs["QA2"] = 2
	rec, store := testRecorder(t)

	sleeps := 0
	s := &drain.Scheduler{
		Broker: fake,
		Events: rec,
		Sleep:  func(time.Duration) { sleeps++ },
	}
	require.NoError(t, s.Run(context.Background(), []*models.Machine{a}))

	// Two failed polls, then the third cycle's fresh fetch succeeds.
	assert.Equal(t, []string{"QA2"}, fake.restarts)
	assert.Equal(t, 2, sleeps)
	assert.Equal(t, 2, countCode(t, store, eventlog.CodeBrokerError))
}

func TestRestartFailureDoesNotRequeueMachine(t *testing.T) {
	fake := newFakeBroker()
	a := fake.addMachine("QA2", 0)
	b := fake.addMachine("QA4", 0)
	fake.restartFails["QA2"] = true
	rec, store := testRecorder(t)

	s := &drain.Scheduler{
		Broker: fake,
		Events: rec,
		Sleep:  func(time.Duration) {},
	}
	require.NoError(t, s.Run(context.Background(), []*models.Machine{a, b}))

	// QA2's restart failed but it left the target set anyway; only QA4's
	// power action went through.
	assert.Equal(t, []string{"QA4"}, fake.restarts)
	assert.Equal(t, 1, fake.restartAttempts["QA2"], "failed restart is not retried")
	assert.Equal(t, 1, countCode(t, store, eventlog.CodeBrokerError))
}

func TestNotifyFailureDoesNotAbortCycle(t *testing.T) {
	fake := newFakeBroker()
	a := fake.addMachine("QA1", 3)
	b := fake.addMachine("QA2", 0)
	fake.notifyFails = true
	rec, store := testRecorder(t)

	s := &drain.Scheduler{
		Broker:   fake,
		Events:   rec,
		Interval: 5 * time.Minute,
		Budget:   5 * time.Minute,
		Sleep:    func(time.Duration) {},
	}
	require.NoError(t, s.Run(context.Background(), []*models.Machine{a, b}))

	// QA2 restarted in the first cycle despite QA1's notify failing; QA1
	// was forced once the one-interval budget ran out.
	assert.ElementsMatch(t, []string{"QA1", "QA2"}, fake.restarts)
	assert.GreaterOrEqual(t, countCode(t, store, eventlog.CodeBrokerError), 1)
	assert.Equal(t, 1, countCode(t, store, eventlog.CodeForcedRestart))
}

func TestRunCancelledContext(t *testing.T) {
	fake := newFakeBroker()
	a := fake.addMachine("QA1", 1)
	rec, _ := testRecorder(t)

	ctx, cancel := context.WithCancel(context.Background())
	s := &drain.Scheduler{
		Broker: fake,
		Events: rec,
		Sleep:  func(time.Duration) { cancel() },
	}
	err := s.Run(ctx, []*models.Machine{a})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fake.restarts)
}

func TestRunAgainstHTTPBroker(t *testing.T) {
	// End-to-end: the real client against the in-memory broker's HTTP
	// surface, one idle machine and one that drains after the first wait.
	fake := brokertest.New("tok")
	fake.AddMachine("QA-Pool", models.Machine{Name: "QA2", PowerState: models.PowerStateOn, InMaintenance: true})
	fake.AddMachine("QA-Pool", models.Machine{Name: "QA4", PowerState: models.PowerStateOn, InMaintenance: true},
		models.Session{ID: "s1", UserName: "alice", State: "active"})
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	client, err := broker.NewClient(srv.URL, "tok")
	require.NoError(t, err)

	rec, _ := testRecorder(t)
	s := &drain.Scheduler{
		Broker: client,
		Events: rec,
		Sleep: func(time.Duration) {
			fake.SetSessions("QA4")
		},
	}

	targets := []*models.Machine{
		{Name: "QA2", PowerState: models.PowerStateOn, InMaintenance: true},
		{Name: "QA4", PowerState: models.PowerStateOn, InMaintenance: true},
	}
	require.NoError(t, s.Run(context.Background(), targets))

	assert.ElementsMatch(t, []string{"QA2", "QA4"}, fake.Restarts())
	for _, name := range []string{"QA2", "QA4"} {
		m, ok := fake.Machine(name)
		require.True(t, ok)
		assert.False(t, m.InMaintenance, "machine %s", name)
	}
	notices := fake.Notifications()
	require.Len(t, notices, 1, "QA4's one active cycle produced one warning")
	assert.Equal(t, []string{"s1"}, notices[0].SessionIDs)
}
