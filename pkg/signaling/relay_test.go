package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/presence/presencetest"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store/badgerstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	relay    *Relay
	store    *badgerstore.Store
	registry *presence.Registry
	clock    *clock
	caller   *presencetest.Recorder
	callee   *presencetest.Recorder
}

func newFixture(t *testing.T, calleeOnline bool) *fixture {
	t.Helper()
	s, err := badgerstore.Open("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ids, err := snowflake.NewNode(7)
	require.NoError(t, err)

	f := &fixture{
		store:    s,
		registry: presence.NewRegistry(s, zap.NewNop()),
		clock:    &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		caller:   presencetest.New("h-alice"),
		callee:   presencetest.New("h-bob"),
	}
	f.relay = New(s, f.registry, ids, zap.NewNop(), WithClock(f.clock.now))

	ctx := context.Background()
	require.NoError(t, f.registry.Register(ctx, "alice", f.caller))
	if calleeOnline {
		require.NoError(t, f.registry.Register(ctx, "bob", f.callee))
	}
	return f
}

var sdp = json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

func (f *fixture) offer(t *testing.T) model.Call {
	t.Helper()
	call, err := f.relay.Offer(context.Background(), f.caller, model.Offer{Offer: sdp, Caller: "alice", Receiver: "bob", ChatID: "c1"})
	require.NoError(t, err)
	return call
}

func TestOfferAnswerEnd_ComputesDuration(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, true)
	ctx := context.Background()
	req.NoError(f.store.PutChat(ctx, model.Chat{ID: "c1", Members: []string{"alice", "bob"}}))

	call := f.offer(t)
	req.Equal(model.CallPending, call.Status)
	req.Equal(model.CallVideo, call.Type)

	offers := f.callee.Named(model.EventOffer)
	req.Len(offers, 1)
	relayed := offers[0].(model.RelayedOffer)
	req.Equal(call.ID, relayed.CallID)
	req.Equal("h-alice", relayed.From)
	req.JSONEq(string(sdp), string(relayed.Offer))

	req.Equal([]any{model.CallInitiated{CallID: call.ID}}, f.caller.Named(model.EventCallInitiated))
	req.Empty(f.caller.Named(model.EventCallStatus))

	chat, err := f.store.GetChat(ctx, "c1")
	req.NoError(err)
	req.Equal(call.ID, chat.LastCall)

	f.clock.advance(5 * time.Second)
	answered, err := f.relay.Answer(ctx, f.callee, model.Answer{Answer: json.RawMessage(`{}`), TargetHandle: "h-alice", CallID: call.ID})
	req.NoError(err)
	req.Equal(model.CallOngoing, answered.Status)
	req.Len(f.caller.Named(model.EventAnswer), 1)

	f.clock.advance(42*time.Second + 900*time.Millisecond)
	ended, err := f.relay.EndCall(ctx, f.caller, model.EndCall{TargetHandle: "h-bob", CallID: call.ID, Status: model.CallEnded})
	req.NoError(err)
	req.Equal(model.CallEnded, ended.Status)
	req.NotNil(ended.DurationSeconds)
	req.Equal(int64(42), *ended.DurationSeconds)

	notices := f.callee.Named(model.EventCallEnded)
	req.Len(notices, 1)
	req.Equal("00:00:42", notices[0].(model.CallEndedEvent).Duration)

	stored, err := f.store.GetCall(ctx, call.ID)
	req.NoError(err)
	req.Equal(model.CallEnded, stored.Status)
	req.Equal(int64(42), *stored.DurationSeconds)
}

func TestOfferEnd_IsMissedWithoutDuration(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, true)

	call := f.offer(t)
	ended, err := f.relay.EndCall(context.Background(), f.caller, model.EndCall{TargetHandle: "h-bob", CallID: call.ID})
	req.NoError(err)
	req.Equal(model.CallMissed, ended.Status)
	req.Nil(ended.DurationSeconds)
	req.Equal("", ended.Duration())
}

func TestAnswerThenInstantEnd_IsEndedWithZeroDuration(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, true)
	ctx := context.Background()

	call := f.offer(t)
	_, err := f.relay.Answer(ctx, f.callee, model.Answer{Answer: sdp, TargetHandle: "h-alice", CallID: call.ID})
	req.NoError(err)
	ended, err := f.relay.EndCall(ctx, f.callee, model.EndCall{TargetHandle: "h-alice", CallID: call.ID})
	req.NoError(err)
	req.Equal(model.CallEnded, ended.Status)
	req.Equal(int64(0), *ended.DurationSeconds)
}

func TestOffer_TwiceCreatesTwoRecords(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, true)

	first, second := f.offer(t), f.offer(t)
	req.NotEqual(first.ID, second.ID)

	calls, err := f.store.CallsByUser(context.Background(), "bob")
	req.NoError(err)
	req.Len(calls, 2)
}

func TestOffer_UnreachableCallee(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, false)

	call := f.offer(t)
	events := f.caller.Events()
	req.Len(events, 2)
	req.Equal(model.EventCallStatus, events[0].Name)
	req.Equal(model.CallStatusUpdate{CallID: call.ID, Status: StatusUnreachable}, events[0].Payload)
	req.Equal(model.EventCallInitiated, events[1].Name)

	stored, err := f.store.GetCall(context.Background(), call.ID)
	req.NoError(err)
	req.Equal(model.CallPending, stored.Status)
}

func TestIllegalTransitions(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, true)
	ctx := context.Background()

	call := f.offer(t)
	_, err := f.relay.EndCall(ctx, f.caller, model.EndCall{TargetHandle: "h-bob", CallID: call.ID})
	req.NoError(err)

	_, err = f.relay.Answer(ctx, f.callee, model.Answer{Answer: sdp, TargetHandle: "h-alice", CallID: call.ID})
	req.ErrorIs(err, model.ErrIllegalTransition)
	_, err = f.relay.EndCall(ctx, f.caller, model.EndCall{TargetHandle: "h-bob", CallID: call.ID})
	req.ErrorIs(err, model.ErrIllegalTransition)

	stored, err := f.store.GetCall(ctx, call.ID)
	req.NoError(err)
	req.Equal(model.CallMissed, stored.Status)

	_, err = f.relay.Answer(ctx, f.callee, model.Answer{Answer: sdp, TargetHandle: "h-alice", CallID: 12345})
	req.ErrorIs(err, model.ErrNotFound)
	_, err = f.relay.EndCall(ctx, f.callee, model.EndCall{TargetHandle: "h-alice", CallID: 12345})
	req.ErrorIs(err, model.ErrNotFound)

	_, err = f.relay.Answer(ctx, f.callee, model.Answer{TargetHandle: "h-alice", CallID: call.ID})
	req.ErrorIs(err, model.ErrValidation)
}

func TestAnswerAndEnd_OnlyParties(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, true)
	ctx := context.Background()
	call := f.offer(t)

	mallory := presencetest.New("h-mallory")
	req.NoError(f.registry.Register(ctx, "mallory", mallory))

	_, err := f.relay.Answer(ctx, mallory, model.Answer{Answer: sdp, TargetHandle: "h-alice", CallID: call.ID})
	req.ErrorIs(err, model.ErrValidation)
	_, err = f.relay.EndCall(ctx, mallory, model.EndCall{TargetHandle: "h-alice", CallID: call.ID})
	req.ErrorIs(err, model.ErrValidation)

	// a handle that never registered cannot act on the call either
	_, err = f.relay.EndCall(ctx, presencetest.New("h-anon"), model.EndCall{TargetHandle: "h-alice", CallID: call.ID})
	req.ErrorIs(err, model.ErrValidation)

	req.Empty(f.caller.Named(model.EventAnswer))
	req.Empty(f.caller.Named(model.EventCallEnded))
	stored, err := f.store.GetCall(ctx, call.ID)
	req.NoError(err)
	req.Equal(model.CallPending, stored.Status)
}

func TestIceCandidate_OnlyLiveTargets(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, true)
	candidate := json.RawMessage(`{"candidate":"candidate:1 1 UDP 1 10.0.0.1 5000 typ host"}`)

	ok, err := f.relay.IceCandidate(f.caller, model.IceCandidate{Candidate: candidate, TargetHandle: "h-bob"})
	req.NoError(err)
	req.True(ok)
	got := f.callee.Named(model.EventIceCandidate)
	req.Len(got, 1)
	req.Equal("h-alice", got[0].(model.RelayedCandidate).From)

	ok, err = f.relay.IceCandidate(f.caller, model.IceCandidate{Candidate: candidate, TargetHandle: "h-gone"})
	req.NoError(err)
	req.False(ok)
}

func TestAbandon_ClosesOpenCalls(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, true)
	ctx := context.Background()

	pending := f.offer(t)
	ongoing := f.offer(t)
	_, err := f.relay.Answer(ctx, f.callee, model.Answer{Answer: sdp, TargetHandle: "h-alice", CallID: ongoing.ID})
	req.NoError(err)
	f.clock.advance(3 * time.Second)

	closed := f.relay.Abandon(ctx, "alice")
	req.Len(closed, 2)

	byID := map[int64]model.Call{}
	for _, c := range closed {
		byID[c.ID] = c
	}
	req.Equal(model.CallMissed, byID[pending.ID].Status)
	req.Equal(model.CallEnded, byID[ongoing.ID].Status)
	req.Equal(int64(3), *byID[ongoing.ID].DurationSeconds)
	req.Len(f.callee.Named(model.EventCallEnded), 2)

	// nothing left to abandon
	req.Empty(f.relay.Abandon(ctx, "alice"))
	req.Empty(f.relay.Abandon(ctx, "bob"))
}

func TestTransition(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 1, 30, 0, time.UTC)
	start := at.Add(-90 * time.Second)

	cases := []struct {
		name   string
		from   model.CallStatus
		ev     event
		want   model.CallStatus
		secs   *int64
		failed bool
	}{
		{name: "answer pending", from: model.CallPending, ev: answered, want: model.CallOngoing},
		{name: "end pending", from: model.CallPending, ev: hungUp, want: model.CallMissed},
		{name: "end ongoing", from: model.CallOngoing, ev: hungUp, want: model.CallEnded, secs: ptr(int64(90))},
		{name: "answer ongoing", from: model.CallOngoing, ev: answered, failed: true},
		{name: "answer ended", from: model.CallEnded, ev: answered, failed: true},
		{name: "end missed", from: model.CallMissed, ev: hungUp, failed: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			got, err := transition(model.Call{ID: 1, Status: tc.from, StartedAt: &start}, tc.ev, at)
			if tc.failed {
				req.ErrorIs(err, model.ErrIllegalTransition)
				return
			}
			req.NoError(err)
			req.Equal(tc.want, got.Status)
			req.Equal(tc.secs, got.DurationSeconds)
		})
	}
}

func ptr[T any](v T) *T { return &v }
