package hook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hostStub struct {
	calls  int
	result any
}

func (h *hostStub) original(_ context.Context, _ Args) any {
	h.calls++
	return h.result
}

func TestDispatch_NoHandlersCallsOriginal(t *testing.T) {
	d, _ := newDispatcher(t)
	h := &hostStub{result: float32(30)}
	out := d.Dispatch(context.Background(), Damage, &DamageArgs{Amount: 30}, h.original)
	assert.Equal(t, float32(30), out)
	assert.Equal(t, 1, h.calls)
}

func TestDispatch_AllContinueCallsOriginalOnce(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(3)
	var order []string
	for _, p := range []struct {
		name string
		prio int
	}{{"c", 20}, {"a", 0}, {"b", 10}, {"b2", 10}} {
		p := p
		_, err := d.Registry().Subscribe(Damage, p.prio, p.name, func(context.Context, *Call) (Outcome, error) {
			order = append(order, p.name)
			return Continue(), nil
		})
		require.NoError(t, err)
	}

	h := &hostStub{result: float32(17.5)}
	out := d.Dispatch(context.Background(), Damage, &DamageArgs{ClientID: 3, Amount: 17.5}, h.original)
	assert.Equal(t, float32(17.5), out)
	assert.Equal(t, 1, h.calls)
	assert.Equal(t, []string{"a", "b", "b2", "c"}, order)

	st := d.Stats()[Damage]
	assert.Equal(t, int64(1), st.Calls)
	assert.Equal(t, int64(1), st.Original)
}

func TestDispatch_SkipShortCircuits(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(1)
	var later bool
	_, _ = d.Registry().Subscribe(CashTransfer, 0, "bank", func(context.Context, *Call) (Outcome, error) {
		return Skip(), nil
	})
	_, _ = d.Registry().Subscribe(CashTransfer, 1, "audit", func(context.Context, *Call) (Outcome, error) {
		later = true
		return Continue(), nil
	})

	h := &hostStub{result: int64(500)}
	out := d.Dispatch(context.Background(), CashTransfer, &CashTransferArgs{ClientID: 1, Amount: 500}, h.original)
	assert.Equal(t, int64(0), out)
	assert.Equal(t, 0, h.calls)
	assert.False(t, later)
	assert.Equal(t, int64(1), d.Stats()[CashTransfer].Skipped)
}

func TestDispatch_SkipWithValue(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(1)
	_, _ = d.Registry().Subscribe(Damage, 0, "godmode", func(context.Context, *Call) (Outcome, error) {
		return SkipWith(2), nil
	})
	h := &hostStub{}
	out := d.Dispatch(context.Background(), Damage, &DamageArgs{ClientID: 1, Amount: 99}, h.original)
	assert.Equal(t, float32(2), out)
	assert.Zero(t, h.calls)
}

// A continues, B overrides with reject: the host connect never runs, A's
// side effects are visible and no handler after B runs.
func TestDispatch_ConnectOverrideScenario(t *testing.T) {
	d, sm := newDispatcher(t)
	_, err := sm.Create(5)
	require.NoError(t, err)

	var aSaw, cRan bool
	_, _ = d.Registry().Subscribe(Connect, 0, "A", func(_ context.Context, call *Call) (Outcome, error) {
		aSaw = true
		call.Session.SetValue("A.seen", true)
		return Continue(), nil
	})
	_, _ = d.Registry().Subscribe(Connect, 10, "B", func(context.Context, *Call) (Outcome, error) {
		return Override(Reject), nil
	})
	_, _ = d.Registry().Subscribe(Connect, 20, "C", func(context.Context, *Call) (Outcome, error) {
		cRan = true
		return Continue(), nil
	})

	h := &hostStub{result: Accept}
	out := d.Dispatch(context.Background(), Connect, &ConnectArgs{ClientID: 5}, h.original)
	assert.Equal(t, Reject, out)
	assert.Zero(t, h.calls)
	assert.True(t, aSaw)
	assert.False(t, cRan)

	s, _ := sm.Lookup(5)
	v, ok := s.Value("A.seen")
	assert.True(t, ok)
	assert.Equal(t, true, v)
}

func TestDispatch_FaultIsolation(t *testing.T) {
	var faults []*HandlerFault
	d, sm := newDispatcher(t, WithFaultReporter(FaultReporterFunc(func(f *HandlerFault) {
		faults = append(faults, f)
	})))
	_, _ = sm.Create(2)

	var ran []string
	_, _ = d.Registry().Subscribe(Chat, 0, "panicky", func(context.Context, *Call) (Outcome, error) {
		ran = append(ran, "panicky")
		panic("nil map")
	})
	_, _ = d.Registry().Subscribe(Chat, 1, "erroring", func(context.Context, *Call) (Outcome, error) {
		ran = append(ran, "erroring")
		return Override(nil), errors.New("db down")
	})
	_, _ = d.Registry().Subscribe(Chat, 2, "healthy", func(context.Context, *Call) (Outcome, error) {
		ran = append(ran, "healthy")
		return Continue(), nil
	})

	h := &hostStub{}
	d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 2, Message: "hi"}, h.original)
	assert.Equal(t, []string{"panicky", "erroring", "healthy"}, ran)
	assert.Equal(t, 1, h.calls)

	require.Len(t, faults, 2)
	assert.Equal(t, "panicky", faults[0].Plugin)
	assert.True(t, faults[0].Panic)
	assert.NotEmpty(t, faults[0].Stack)
	assert.Equal(t, uint32(2), faults[0].ClientID)
	assert.Equal(t, "erroring", faults[1].Plugin)
	assert.False(t, faults[1].Panic)
	assert.Equal(t, faults[0].DispatchID, faults[1].DispatchID)
	assert.Equal(t, int64(2), d.Stats()[Chat].Faults)
	assert.Equal(t, 0, d.Registry().InFlight("panicky"))
}

func TestDispatch_FaultDoesNotChangeOthersOutcome(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(2)
	_, _ = d.Registry().Subscribe(Login, 0, "broken", func(context.Context, *Call) (Outcome, error) {
		panic("boom")
	})
	_, _ = d.Registry().Subscribe(Login, 5, "gate", func(context.Context, *Call) (Outcome, error) {
		return Override("reject"), nil
	})
	h := &hostStub{result: Accept}
	out := d.Dispatch(context.Background(), Login, &LoginArgs{ClientID: 2}, h.original)
	assert.Equal(t, Reject, out)
}

func TestDispatch_UncoercibleOverrideIsFault(t *testing.T) {
	var faults int
	d, sm := newDispatcher(t, WithFaultReporter(FaultReporterFunc(func(*HandlerFault) { faults++ })))
	_, _ = sm.Create(2)
	_, _ = d.Registry().Subscribe(Damage, 0, "bad", func(context.Context, *Call) (Outcome, error) {
		return Override("a lot"), nil
	})
	h := &hostStub{result: float32(4)}
	out := d.Dispatch(context.Background(), Damage, &DamageArgs{ClientID: 2, Amount: 4}, h.original)
	assert.Equal(t, float32(4), out)
	assert.Equal(t, 1, faults)
}

func TestDispatch_UnsubscribeDuringPass(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(1)
	var ran []string
	_, _ = d.Registry().Subscribe(Chat, 0, "admin", func(context.Context, *Call) (Outcome, error) {
		ran = append(ran, "admin")
		d.Registry().Unsubscribe("victim")
		return Continue(), nil
	})
	_, _ = d.Registry().Subscribe(Chat, 1, "victim", func(context.Context, *Call) (Outcome, error) {
		ran = append(ran, "victim")
		return Continue(), nil
	})

	h := &hostStub{}
	d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 1}, h.original)
	assert.Equal(t, []string{"admin", "victim"}, ran, "captured snapshot still runs the entry")

	ran = nil
	d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 1}, h.original)
	assert.Equal(t, []string{"admin"}, ran)
	assert.False(t, d.Registry().Subscribed("victim"))
}

func TestDispatch_UnsubscribeSelfIsDeferred(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(1)
	var inFlight int
	_, _ = d.Registry().Subscribe(Chat, 0, "self", func(ctx context.Context, call *Call) (Outcome, error) {
		assert.True(t, OnStack(ctx, "self"))
		d.Registry().Unsubscribe("self")
		inFlight = d.Registry().InFlight("self")
		return Continue(), nil
	})
	d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 1}, (&hostStub{}).original)
	assert.Equal(t, 1, inFlight)
	assert.Equal(t, 0, d.Registry().InFlight("self"))
	d.Registry().mu.RLock()
	assert.Empty(t, d.Registry().entries[Chat])
	d.Registry().mu.RUnlock()
}

func TestDispatch_UnknownSessionCallsOriginal(t *testing.T) {
	d, _ := newDispatcher(t)
	var ran bool
	_, _ = d.Registry().Subscribe(Chat, 0, "p", func(context.Context, *Call) (Outcome, error) {
		ran = true
		return Skip(), nil
	})
	h := &hostStub{}
	d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 9}, h.original)
	assert.False(t, ran)
	assert.Equal(t, 1, h.calls)
}

func TestDispatch_SessionlessEvent(t *testing.T) {
	d, _ := newDispatcher(t)
	_, _ = d.Registry().Subscribe(Damage, 0, "p", func(_ context.Context, call *Call) (Outcome, error) {
		assert.True(t, call.Session.IsNone())
		return Override(1), nil
	})
	out := d.Dispatch(context.Background(), Damage, &DamageArgs{Amount: 10}, (&hostStub{}).original)
	assert.Equal(t, float32(1), out)
}

func TestDispatch_KickDuringPassStops(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(4)
	var after bool
	_, _ = d.Registry().Subscribe(Chat, 0, "kicker", func(_ context.Context, call *Call) (Outcome, error) {
		sm.Destroy(call.Session.ID())
		return Continue(), nil
	})
	_, _ = d.Registry().Subscribe(Chat, 1, "later", func(context.Context, *Call) (Outcome, error) {
		after = true
		return Continue(), nil
	})
	h := &hostStub{}
	d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 4}, h.original)
	assert.False(t, after)
	assert.Zero(t, h.calls)
}

func TestDispatch_ArgsMismatchCallsOriginal(t *testing.T) {
	d, _ := newDispatcher(t)
	var ran bool
	_, _ = d.Registry().Subscribe(Chat, 0, "p", func(context.Context, *Call) (Outcome, error) {
		ran = true
		return Skip(), nil
	})
	h := &hostStub{}
	d.Dispatch(context.Background(), Chat, &ConnectArgs{ClientID: 1}, h.original)
	assert.False(t, ran)
	assert.Equal(t, 1, h.calls)
}

func TestDispatch_NestedSameSessionIsReentrant(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(1)
	var inner int
	_, _ = d.Registry().Subscribe(Chat, 0, "echo", func(ctx context.Context, call *Call) (Outcome, error) {
		a := call.Args.(*ChatArgs)
		if a.Message == "outer" {
			// Triggering the same kind for the same session from a handler.
			d.Dispatch(ctx, Chat, &ChatArgs{ClientID: 1, Message: "inner"}, func(context.Context, Args) any {
				inner++
				return nil
			})
			assert.Equal(t, 1, Depth(ctx))
			// Registrations made by a nested pass do not disturb this pass.
			_, _ = d.Registry().Subscribe(Chat, -1, "newcomer", cont)
		}
		return Continue(), nil
	})

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 1, Message: "outer"}, (&hostStub{}).original)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested dispatch deadlocked")
	}
	assert.Equal(t, 1, inner)
}

func TestDispatch_MaxDepth(t *testing.T) {
	d, sm := newDispatcher(t, WithMaxDepth(3))
	_, _ = sm.Create(1)
	var depths []int
	var recurse Handler
	recurse = func(ctx context.Context, call *Call) (Outcome, error) {
		depths = append(depths, call.Depth)
		d.Dispatch(ctx, Chat, &ChatArgs{ClientID: 1}, (&hostStub{}).original)
		return Continue(), nil
	}
	_, _ = d.Registry().Subscribe(Chat, 0, "loop", recurse)
	d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 1}, (&hostStub{}).original)
	assert.Equal(t, []int{1, 2, 3}, depths)
}

func TestDispatch_SessionPassesAreExclusive(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(1)
	var mu sync.Mutex
	active, maxActive := 0, 0
	_, _ = d.Registry().Subscribe(Chat, 0, "slow", func(context.Context, *Call) (Outcome, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return Continue(), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 1}, func(context.Context, Args) any { return nil })
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}

func TestNotify_RunsAllIgnoringOutcomes(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(1)
	var seen []any
	for i, p := range []string{"a", "b", "c"} {
		_, _ = d.Registry().Subscribe(DamageAfter, i, p, func(_ context.Context, call *Call) (Outcome, error) {
			seen = append(seen, call.Result)
			if call.Plugin == "b" {
				panic("after boom")
			}
			return Skip(), nil
		})
	}
	d.Notify(context.Background(), DamageAfter, &DamageArgs{ClientID: 1}, float32(8))
	assert.Equal(t, []any{float32(8), float32(8), float32(8)}, seen)
}

func TestDispatch_NotificationKindRefused(t *testing.T) {
	d, _ := newDispatcher(t)
	h := &hostStub{}
	d.Dispatch(context.Background(), ChatAfter, &ChatArgs{}, h.original)
	assert.Equal(t, 1, h.calls)
}

func TestBind(t *testing.T) {
	d, sm := newDispatcher(t)
	_, _ = sm.Create(1)
	_, _ = d.Registry().Subscribe(Chat, 0, "filter", Bind(func(_ context.Context, _ *Call, a *ChatArgs) (Outcome, error) {
		a.Message = "***"
		return Continue(), nil
	}))
	var got string
	d.Dispatch(context.Background(), Chat, &ChatArgs{ClientID: 1, Message: "bad word"}, func(_ context.Context, a Args) any {
		got = a.(*ChatArgs).Message
		return nil
	})
	assert.Equal(t, "***", got)

	h := Bind(func(context.Context, *Call, *LoginArgs) (Outcome, error) { return Skip(), nil })
	_, err := h(context.Background(), &Call{Kind: Chat, Args: &ChatArgs{}})
	assert.Error(t, err)
}
