package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgemind/edgemind/internal/memory"
	"github.com/edgemind/edgemind/internal/tools"
	"github.com/edgemind/edgemind/pkg/models"
)

func newTestManager(policy EvictionPolicy) *Manager {
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, tools.ExecConfig{
		PerToolTimeout: time.Second,
		RetryBackoff:   time.Millisecond,
	}, nil)
	return NewManager(ManagerConfig{
		Policy:    policy,
		Registry:  registry,
		Executor:  executor,
		ShortTerm: memory.DefaultShortTermConfig(),
	})
}

func TestManager_GetOrCreate(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(EvictionPolicy{})

	agentA, session, err := manager.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if session.ID != "s1" || session.StartedAt.IsZero() {
		t.Errorf("unexpected session: %+v", session)
	}

	// The same session returns the same cached agent.
	agentB, _, err := manager.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if agentA != agentB {
		t.Error("agent must be cached per session")
	}
	if manager.CachedAgents() != 1 {
		t.Errorf("expected 1 cached agent, got %d", manager.CachedAgents())
	}
}

func TestManager_TouchUpdatesActivity(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(EvictionPolicy{})
	_, session, _ := manager.GetOrCreate(ctx, "s1")
	before := session.LastActivity

	time.Sleep(5 * time.Millisecond)
	if err := manager.Touch(ctx, "s1", 2); err != nil {
		t.Fatal(err)
	}
	after, _ := manager.Get(ctx, "s1")
	if !after.LastActivity.After(before) || after.MessageCount != 2 {
		t.Errorf("touch did not update: %+v", after)
	}
}

func TestManager_HistoryRehydration(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(EvictionPolicy{})

	agentA, _, _ := manager.GetOrCreate(ctx, "s1")
	agentA.ShortTerm().Add(models.AgentMessage{Role: models.RoleUser, Content: "remember me"})
	if err := manager.PersistHistory(ctx, "s1", agentA.ShortTerm().List()); err != nil {
		t.Fatal(err)
	}

	// Evict the agent, then recreate: history comes back.
	manager.mu.Lock()
	delete(manager.agents, "s1")
	manager.mu.Unlock()

	agentB, _, err := manager.GetOrCreate(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if agentB == agentA {
		t.Fatal("expected a fresh agent after eviction")
	}
	history := agentB.ShortTerm().List()
	if len(history) != 1 || history[0].Content != "remember me" {
		t.Errorf("history not rehydrated: %+v", history)
	}
}

func TestManager_Remove(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(EvictionPolicy{})
	_, _, _ = manager.GetOrCreate(ctx, "s1")

	if err := manager.Remove(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Get(ctx, "s1"); err == nil {
		t.Error("removed session still readable")
	}
	if manager.CachedAgents() != 0 {
		t.Error("agent not dropped on remove")
	}
}

func TestManager_MaxSessionsEviction(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(EvictionPolicy{MaxSessions: 2, IdleTimeout: time.Hour})

	_, _, _ = manager.GetOrCreate(ctx, "s1")
	time.Sleep(2 * time.Millisecond)
	_, _, _ = manager.GetOrCreate(ctx, "s2")
	time.Sleep(2 * time.Millisecond)
	_, _, _ = manager.GetOrCreate(ctx, "s3")

	if manager.CachedAgents() != 2 {
		t.Fatalf("cap not enforced: %d agents", manager.CachedAgents())
	}
	// The oldest (s1) went; its session record survives.
	if _, err := manager.Get(ctx, "s1"); err != nil {
		t.Error("eviction must not delete the session record")
	}
}

func TestManager_EvictIdle(t *testing.T) {
	ctx := context.Background()
	manager := newTestManager(EvictionPolicy{IdleTimeout: time.Millisecond, MaxSessions: 100})
	_, _, _ = manager.GetOrCreate(ctx, "s1")
	time.Sleep(5 * time.Millisecond)
	if evicted := manager.EvictIdle(); evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", evicted)
	}
}

func TestLocker_Serialises(t *testing.T) {
	locker := NewLocker()
	var counter, active, peak int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("same")
			defer unlock()
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			counter++
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Errorf("lock did not serialise: peak %d", peak)
	}
	if counter != 20 {
		t.Errorf("lost updates: %d", counter)
	}
}
