package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflowhq/leadflow/pkg/cache"
	"github.com/leadflowhq/leadflow/pkg/plan"
	"github.com/leadflowhq/leadflow/pkg/scheduler"
	"github.com/leadflowhq/leadflow/pkg/sender"
)

// memStore is an in-memory Store used to exercise the engine without
// Postgres.
type memStore struct {
	mu        sync.Mutex
	plans     map[string]*plan.Plan
	instances map[uuid.UUID]*Instance
	attempts  []*Attempt
	replies   map[uuid.UUID][]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		plans:     make(map[string]*plan.Plan),
		instances: make(map[uuid.UUID]*Instance),
		replies:   make(map[uuid.UUID][]time.Time),
	}
}

func (s *memStore) SavePlan(_ context.Context, p *plan.Plan, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[hash] = p
	return nil
}

func (s *memStore) GetPlan(_ context.Context, hash string) (*plan.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[hash]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p, nil
}

func (s *memStore) CreateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.TenantID == inst.TenantID &&
			existing.ContactID == inst.ContactID &&
			existing.Channel == inst.Channel &&
			existing.Status == StatusActive {
			return ErrAlreadyEnrolled
		}
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *memStore) GetInstance(_ context.Context, id uuid.UUID) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *memStore) UpdateInstance(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *memStore) ApplyTick(_ context.Context, inst *Instance, att *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.instances[inst.ID] = &cp
	if att != nil {
		ac := *att
		s.attempts = append(s.attempts, &ac)
	}
	return nil
}

func (s *memStore) ListDue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, inst := range s.instances {
		if inst.Status == StatusActive && inst.NextWakeAt != nil && !inst.NextWakeAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *memStore) LatestAttempt(_ context.Context, instanceID uuid.UUID, nodeID string) (*Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Attempt
	for _, att := range s.attempts {
		if att.InstanceID == instanceID && att.NodeID == nodeID {
			if latest == nil || att.AttemptNumber > latest.AttemptNumber {
				latest = att
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) HasReplySince(_ context.Context, instanceID uuid.UUID, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, at := range s.replies[instanceID] {
		if !at.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) recordReply(instanceID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[instanceID] = append(s.replies[instanceID], at)
}

func (s *memStore) attemptCount(instanceID uuid.UUID, nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, att := range s.attempts {
		if att.InstanceID == instanceID && att.NodeID == nodeID {
			n++
		}
	}
	return n
}

// fakeSender scripts send outcomes.
type fakeSender struct {
	mu    sync.Mutex
	calls []sender.Message
	errs  []error
}

func (f *fakeSender) Send(_ context.Context, msg sender.Message) (*sender.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &sender.Result{
		ProviderMessageID: "msg-" + msg.IdempotencyKey,
		ProviderThreadID:  "thread-" + msg.NodeID,
	}, nil
}

type fakeSuppressor struct {
	suppressed map[string]bool
}

func (f *fakeSuppressor) IsSuppressed(_ context.Context, _, address string) (bool, error) {
	return f.suppressed[address], nil
}

func twoStepPlan() *plan.Plan {
	return &plan.Plan{
		Version:     1,
		Timezone:    "UTC",
		StartNodeID: "n1",
		Nodes: []plan.Node{
			{
				ID:       "n1",
				Channel:  plan.ChannelEmail,
				Action:   plan.ActionSend,
				Subject:  "Hello",
				Body:     "First touch",
				Schedule: plan.Schedule{Delay: "PT0S"},
				Transitions: []plan.Transition{
					{Condition: plan.Condition{Type: plan.ConditionReplyReceived}, Target: plan.TargetEnd},
					{Condition: plan.Condition{Type: plan.ConditionNoReplyAfter, After: "PT24H"}, Target: "n2"},
				},
			},
			{
				ID:       "n2",
				Channel:  plan.ChannelEmail,
				Action:   plan.ActionSend,
				Subject:  "Following up",
				Body:     "Second touch",
				Schedule: plan.Schedule{Delay: "PT0S"},
			},
		},
	}
}

type testRig struct {
	engine  *Engine
	store   *memStore
	sender  *fakeSender
	supp    *fakeSuppressor
	mr      *miniredis.Miniredis
	current time.Time
}

func setupEngine(t *testing.T) *testRig {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cacheClient, err := cache.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { cacheClient.Close() })

	rig := &testRig{
		store:   newMemStore(),
		sender:  &fakeSender{},
		supp:    &fakeSuppressor{suppressed: make(map[string]bool)},
		mr:      mr,
		current: time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
	}

	lock := NewLeaseLock(cacheClient, 2*time.Minute)
	sched := scheduler.New(nil, nil)
	rig.engine = New(rig.store, lock, sched, rig.sender, rig.supp, nil, nil, Config{
		MaxSendAttempts:  3,
		RetryBackoffBase: time.Minute,
		RetryBackoffCap:  time.Hour,
		DefaultTimezone:  "UTC",
	})
	rig.engine.now = func() time.Time { return rig.current }

	return rig
}

func (r *testRig) enroll(t *testing.T, p *plan.Plan) *Instance {
	hash, err := p.Hash()
	require.NoError(t, err)
	require.NoError(t, r.store.SavePlan(context.Background(), p, hash))

	inst, err := r.engine.Enroll(context.Background(), EnrollParams{
		TenantID:     "t1",
		ContactID:    "c1",
		ContactEmail: "contact@example.com",
		PlanHash:     hash,
	})
	require.NoError(t, err)
	return inst
}

func TestEnroll(t *testing.T) {
	rig := setupEngine(t)
	inst := rig.enroll(t, twoStepPlan())

	assert.Equal(t, StatusActive, inst.Status)
	assert.Equal(t, "n1", inst.CurrentNodeID)
	require.NotNil(t, inst.NextWakeAt)
	assert.Equal(t, rig.current, *inst.NextWakeAt)

	t.Run("second active enrollment rejected", func(t *testing.T) {
		hash, _ := twoStepPlan().Hash()
		_, err := rig.engine.Enroll(context.Background(), EnrollParams{
			TenantID:     "t1",
			ContactID:    "c1",
			ContactEmail: "contact@example.com",
			PlanHash:     hash,
		})
		assert.ErrorIs(t, err, ErrAlreadyEnrolled)
	})
}

func TestTick_NoReplyTimerAdvances(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	inst := rig.enroll(t, twoStepPlan())
	t0 := rig.current

	// First tick fires n1 and parks the instance on its 24h timer.
	require.NoError(t, rig.engine.Tick(ctx, inst.ID))

	got, err := rig.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "n1", got.CurrentNodeID)
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.NextWakeAt)
	assert.Equal(t, t0.Add(24*time.Hour), *got.NextWakeAt)
	assert.Equal(t, 1, rig.store.attemptCount(inst.ID, "n1"))

	// No reply by t0+25h: the timer transition moves it to n2.
	rig.current = t0.Add(25 * time.Hour)
	require.NoError(t, rig.engine.Tick(ctx, inst.ID))

	got, err = rig.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "n2", got.CurrentNodeID)
	assert.Equal(t, StatusActive, got.Status)
	// No resend of n1 happened.
	assert.Equal(t, 1, rig.store.attemptCount(inst.ID, "n1"))
}

func TestTick_ReplyTakesPriority(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	inst := rig.enroll(t, twoStepPlan())
	t0 := rig.current

	require.NoError(t, rig.engine.Tick(ctx, inst.ID))

	// A reply lands an hour after the send; the reply_received
	// transition is declared first, so it wins over the timer path.
	rig.store.recordReply(inst.ID, t0.Add(time.Hour))
	rig.current = t0.Add(25 * time.Hour)
	require.NoError(t, rig.engine.Tick(ctx, inst.ID))

	got, err := rig.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "n1", got.CurrentNodeID)
	assert.Nil(t, got.NextWakeAt)
}

func TestTick_TerminalNodeCompletes(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	p := twoStepPlan()
	inst := rig.enroll(t, p)
	t0 := rig.current

	require.NoError(t, rig.engine.Tick(ctx, inst.ID))
	rig.current = t0.Add(25 * time.Hour)
	require.NoError(t, rig.engine.Tick(ctx, inst.ID)) // advances to n2

	got, _ := rig.store.GetInstance(ctx, inst.ID)
	require.Equal(t, "n2", got.CurrentNodeID)

	// n2 has no transitions: firing it completes the instance.
	require.NoError(t, rig.engine.Tick(ctx, inst.ID))
	got, err := rig.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Nil(t, got.NextWakeAt)
	assert.Equal(t, 1, rig.store.attemptCount(inst.ID, "n2"))
}

func TestTick_TransientFailureRetriesThenFails(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	transient := &sender.SendError{StatusCode: 503, Transient: true, Reason: "upstream busy"}
	rig.sender.errs = []error{transient, transient, transient}

	inst := rig.enroll(t, twoStepPlan())

	// Attempt 1: retrying with backoff.
	require.NoError(t, rig.engine.Tick(ctx, inst.ID))
	got, _ := rig.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.NextWakeAt)
	assert.Equal(t, rig.current.Add(time.Minute), *got.NextWakeAt)

	// Attempt 2: retrying with doubled backoff.
	rig.current = got.NextWakeAt.Add(time.Second)
	require.NoError(t, rig.engine.Tick(ctx, inst.ID))
	got, _ = rig.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StatusActive, got.Status)

	// Attempt 3 hits the ceiling: instance fails.
	rig.current = got.NextWakeAt.Add(time.Second)
	require.NoError(t, rig.engine.Tick(ctx, inst.ID))
	got, _ = rig.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Nil(t, got.NextWakeAt)
	assert.Equal(t, 3, rig.store.attemptCount(inst.ID, "n1"))
}

func TestTick_FatalFailureFailsImmediately(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	rig.sender.errs = []error{&sender.SendError{StatusCode: 400, Reason: "bad address"}}

	inst := rig.enroll(t, twoStepPlan())
	require.NoError(t, rig.engine.Tick(ctx, inst.ID))

	got, err := rig.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, rig.store.attemptCount(inst.ID, "n1"))
}

func TestTick_SuppressedContactPauses(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	rig.supp.suppressed["contact@example.com"] = true

	inst := rig.enroll(t, twoStepPlan())
	require.NoError(t, rig.engine.Tick(ctx, inst.ID))

	got, err := rig.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Nil(t, got.NextWakeAt)
	assert.Equal(t, 0, rig.store.attemptCount(inst.ID, "n1"))
	assert.Empty(t, rig.sender.calls)
}

func TestTick_ConcurrentTicksSendOnce(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	inst := rig.enroll(t, twoStepPlan())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rig.engine.Tick(ctx, inst.ID)
		}()
	}
	wg.Wait()

	// The lease and the sent-attempt check together guarantee exactly
	// one send for the node that was current at tick start.
	assert.Equal(t, 1, rig.store.attemptCount(inst.ID, "n1"))
}

func TestTick_HeldLeaseSkips(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	inst := rig.enroll(t, twoStepPlan())

	// Another worker holds the lease.
	require.NoError(t, rig.mr.Set("lease:instance:"+inst.ID.String(), "other-worker"))

	require.NoError(t, rig.engine.Tick(ctx, inst.ID))
	assert.Equal(t, 0, rig.store.attemptCount(inst.ID, "n1"))
}

func TestStopAndWakeNow(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	inst := rig.enroll(t, twoStepPlan())

	require.NoError(t, rig.engine.Stop(ctx, inst.ID))
	got, _ := rig.store.GetInstance(ctx, inst.ID)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Nil(t, got.NextWakeAt)

	// WakeNow on a non-active instance is a no-op.
	require.NoError(t, rig.engine.WakeNow(ctx, inst.ID))
	got, _ = rig.store.GetInstance(ctx, inst.ID)
	assert.Nil(t, got.NextWakeAt)
}

func TestPoller_PollOnce(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	inst := rig.enroll(t, twoStepPlan())

	poller := NewPoller(rig.engine, rig.store, nil, 30*time.Second)
	poller.PollOnce(ctx)

	assert.Equal(t, 1, rig.store.attemptCount(inst.ID, "n1"))
}

func TestBackoff(t *testing.T) {
	base := time.Minute
	cap := 10 * time.Minute

	assert.Equal(t, time.Minute, backoff(base, cap, 1))
	assert.Equal(t, 2*time.Minute, backoff(base, cap, 2))
	assert.Equal(t, 4*time.Minute, backoff(base, cap, 3))
	assert.Equal(t, 8*time.Minute, backoff(base, cap, 4))
	assert.Equal(t, cap, backoff(base, cap, 5))
	assert.Equal(t, cap, backoff(base, cap, 12))
}

func TestLease(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	cacheClient, err := cache.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	defer cacheClient.Close()

	lock := NewLeaseLock(cacheClient, time.Minute)
	ctx := context.Background()
	id := uuid.New()

	lease, ok, err := lock.Acquire(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("second acquire blocked", func(t *testing.T) {
		_, ok, err := lock.Acquire(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("renew extends holder lease", func(t *testing.T) {
		assert.NoError(t, lease.Renew(ctx))
	})

	t.Run("release frees the lease", func(t *testing.T) {
		require.NoError(t, lease.Release(ctx))
		_, ok, err := lock.Acquire(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("expired lease is reacquirable", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)
		_, ok, err := lock.Acquire(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("renew after loss fails", func(t *testing.T) {
		err := lease.Renew(ctx)
		assert.ErrorContains(t, err, "lease lost")
	})
}

func TestTick_InactiveInstanceIsNoop(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	inst := rig.enroll(t, twoStepPlan())
	require.NoError(t, rig.engine.Stop(ctx, inst.ID))

	require.NoError(t, rig.engine.Tick(ctx, inst.ID))
	assert.Equal(t, 0, rig.store.attemptCount(inst.ID, "n1"))
}

func TestTick_PlanMissingFailsInstance(t *testing.T) {
	rig := setupEngine(t)
	ctx := context.Background()
	inst := rig.enroll(t, twoStepPlan())

	rig.store.mu.Lock()
	rig.store.plans = map[string]*plan.Plan{}
	rig.store.mu.Unlock()

	err := rig.engine.Tick(ctx, inst.ID)
	assert.True(t, errors.Is(err, ErrPlanNotFound))
}
