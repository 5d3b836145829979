package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/ai"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/presence"
	"github.com/mahaj/chatcore/pkg/presence/presencetest"
	"github.com/mahaj/chatcore/pkg/push"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/mahaj/chatcore/pkg/store/badgerstore"
)

type recordingGateway struct {
	mu     sync.Mutex
	sent   []model.Subscription
	bodies []push.Payload
}

func (g *recordingGateway) Deliver(_ context.Context, sub model.Subscription, p push.Payload) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sub)
	g.bodies = append(g.bodies, p)
}

func (g *recordingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type staticResponder struct {
	text string
	err  error
}

func (r staticResponder) Reply(context.Context, string) (string, error) { return r.text, r.err }

type roomRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *roomRecorder) Broadcast(chatID, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, chatID+"/"+event)
}

// failingStore fails the chosen write operations.
type failingStore struct {
	store.Store
	failCreate    bool
	failIncrement string
}

func (s *failingStore) CreateMessage(ctx context.Context, m model.Message) error {
	if s.failCreate {
		return errors.New("disk full")
	}
	return s.Store.CreateMessage(ctx, m)
}

func (s *failingStore) IncrementUnread(ctx context.Context, chatID, userID string) error {
	if userID == s.failIncrement {
		return errors.New("counter unavailable")
	}
	return s.Store.IncrementUnread(ctx, chatID, userID)
}

type fixture struct {
	store    *badgerstore.Store
	registry *presence.Registry
	gateway  *recordingGateway
	ids      *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := badgerstore.Open("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ids, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return &fixture{
		store:    s,
		registry: presence.NewRegistry(s, zap.NewNop()),
		gateway:  &recordingGateway{},
		ids:      ids,
	}
}

func (f *fixture) engine(s store.Store, opts ...Option) *Engine {
	if s == nil {
		s = f.store
	}
	return New(s, f.registry, f.gateway, f.ids, zap.NewNop(), opts...)
}

func (f *fixture) chat(t *testing.T, id string, members ...string) {
	t.Helper()
	require.NoError(t, f.store.PutChat(context.Background(), model.Chat{ID: id, Members: members, IsGroupChat: len(members) > 2}))
}

func text(chat, sender, content string) model.SendMessage {
	return model.SendMessage{ChatID: chat, Sender: sender, Content: content, Type: model.TypeText}
}

func TestSubmitMessage_OfflineRecipientWithSubscription(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "c1", "a", "b")
	req.NoError(f.store.PutUser(ctx, model.User{ID: "a", Name: "Alice"}))
	req.NoError(f.store.PutSubscription(ctx, model.Subscription{UserID: "b", Endpoint: "https://push.example/b"}))

	alice := presencetest.New("ha")
	req.NoError(f.registry.Register(ctx, "a", alice))

	msg, report, err := f.engine(nil).SubmitMessage(ctx, text("c1", "a", "hi"))
	req.NoError(err)
	req.Equal(model.StatusSent, msg.Status)
	req.Equal(Report{Attempted: 1, Pushed: 1}, report)

	n, err := f.store.UnreadCount(ctx, "c1", "b")
	req.NoError(err)
	req.Equal(int64(1), n)

	req.Equal(1, f.gateway.count())
	req.Equal("https://push.example/b", f.gateway.sent[0].Endpoint)
	req.Equal("New message from Alice", f.gateway.bodies[0].Title)
	req.Equal("c1", f.gateway.bodies[0].Data.ChatID)

	// the sender never receives its own message
	req.Empty(alice.Named(model.EventReceiveMessage))

	chat, err := f.store.GetChat(ctx, "c1")
	req.NoError(err)
	req.Equal(msg.ID, chat.LastMessage)
}

func TestSubmitMessage_GroupFanOut(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "g1", "a", "b", "c", "d")
	req.NoError(f.store.PutSubscription(ctx, model.Subscription{UserID: "d", Endpoint: "https://push.example/d"}))

	b, c := presencetest.New("hb"), presencetest.New("hc")
	req.NoError(f.registry.Register(ctx, "b", b))
	req.NoError(f.registry.Register(ctx, "c", c))

	_, report, err := f.engine(nil, WithParallelism(2)).SubmitMessage(ctx, text("g1", "a", "hello all"))
	req.NoError(err)
	req.Equal(3, report.Attempted)
	req.Equal(2, report.Live)
	req.Equal(1, report.Pushed)

	for _, h := range []*presencetest.Recorder{b, c} {
		got := h.Named(model.EventReceiveMessage)
		req.Len(got, 1)
		req.Equal("hello all", got[0].(model.PopulatedMessage).Content)
	}

	// live delivery still counts as unread until message-read
	for _, member := range []string{"b", "c", "d"} {
		n, err := f.store.UnreadCount(ctx, "g1", member)
		req.NoError(err)
		req.Equal(int64(1), n, member)
	}
	n, err := f.store.UnreadCount(ctx, "g1", "a")
	req.NoError(err)
	req.Zero(n)
}

func TestSubmitMessage_ConcurrentCounters(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "c1", "a", "b")
	req.NoError(f.store.IncrementUnread(ctx, "c1", "b"))

	e := f.engine(nil)
	const senders = 40
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.SubmitMessage(ctx, text("c1", "a", "ping"))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := e.UnreadCount(ctx, "c1", "b")
	req.NoError(err)
	req.Equal(int64(senders+1), n)

	msgs, err := f.store.Messages(ctx, "c1", 0)
	req.NoError(err)
	req.Len(msgs, senders)
}

func TestSubmitMessage_Validation(t *testing.T) {
	f := newFixture(t)
	f.chat(t, "c1", "a", "b")
	e := f.engine(nil)

	cases := []struct {
		name string
		in   model.SendMessage
		want error
	}{
		{"missing content", model.SendMessage{ChatID: "c1", Sender: "a", Type: model.TypeText}, model.ErrValidation},
		{"bad type", model.SendMessage{ChatID: "c1", Sender: "a", Content: "x", Type: "sticker"}, model.ErrValidation},
		{"missing chat", model.SendMessage{Sender: "a", Content: "x", Type: model.TypeText}, model.ErrValidation},
		{"not a member", text("c1", "z", "x"), model.ErrValidation},
		{"unknown chat", text("nope", "a", "x"), model.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := e.SubmitMessage(context.Background(), tc.in)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Zero(t, f.gateway.count())

	// rejected messages were never written
	msgs, err := f.store.Messages(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
	msgs, err = f.store.Messages(context.Background(), "nope", 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSubmitMessage_PersistenceFailureAbortsFanOut(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "c1", "a", "b")
	b := presencetest.New("hb")
	req.NoError(f.registry.Register(ctx, "b", b))

	e := f.engine(&failingStore{Store: f.store, failCreate: true})
	_, _, err := e.SubmitMessage(ctx, text("c1", "a", "lost"))
	req.ErrorIs(err, model.ErrPersistence)

	req.Empty(b.Events())
	n, err := f.store.UnreadCount(ctx, "c1", "b")
	req.NoError(err)
	req.Zero(n)
}

func TestSubmitMessage_IsolatedRecipientFailure(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "g1", "a", "b", "c", "d")

	b, c, d := presencetest.New("hb"), presencetest.New("hc"), presencetest.New("hd")
	b.Fail = errors.New("send buffer full")
	for user, h := range map[string]*presencetest.Recorder{"b": b, "c": c, "d": d} {
		req.NoError(f.registry.Register(ctx, user, h))
	}

	e := f.engine(&failingStore{Store: f.store, failIncrement: "c"})
	_, report, err := e.SubmitMessage(ctx, text("g1", "a", "hey"))
	req.NoError(err)
	req.Equal(3, report.Attempted)
	req.Equal(2, report.Failed)

	req.Len(c.Named(model.EventReceiveMessage), 1)
	req.Len(d.Named(model.EventReceiveMessage), 1)

	n, err := f.store.UnreadCount(ctx, "g1", "b")
	req.NoError(err)
	req.Equal(int64(1), n)
}

func TestSubmitMessage_ReplyPopulated(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "c1", "a", "b")
	b := presencetest.New("hb")
	req.NoError(f.registry.Register(ctx, "b", b))

	e := f.engine(nil)
	first, _, err := e.SubmitMessage(ctx, text("c1", "b", "question"))
	req.NoError(err)

	in := text("c1", "a", "answer")
	in.ReplyTo = first.ID
	_, _, err = e.SubmitMessage(ctx, in)
	req.NoError(err)

	got := b.Named(model.EventReceiveMessage)
	req.Len(got, 1)
	reply := got[0].(model.PopulatedMessage)
	req.NotNil(reply.ReplyTo)
	req.Equal("question", reply.ReplyTo.Content)
	req.Equal("b", reply.ReplyTo.SenderID)
}

func TestSubmitMessage_AIReply(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "c1", "a", "bot")
	rooms := &roomRecorder{}

	e := f.engine(nil, WithAI(staticResponder{text: "beep"}, "bot"), WithRooms(rooms))
	msg, _, err := e.SubmitMessage(ctx, text("c1", "a", "hello bot"))
	req.NoError(err)

	msgs, err := f.store.Messages(ctx, "c1", 0)
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal(msg.ID, msgs[0].ID)
	req.Equal("bot", msgs[1].SenderID)
	req.Equal("beep", msgs[1].Content)
	req.Equal([]string{"c1/" + model.EventReceiveMessage}, rooms.events)

	chat, err := f.store.GetChat(ctx, "c1")
	req.NoError(err)
	req.Equal(msgs[1].ID, chat.LastMessage)

	// the assistant does not answer itself
	_, _, err = e.SubmitMessage(ctx, text("c1", "bot", "monologue"))
	req.NoError(err)
	msgs, err = f.store.Messages(ctx, "c1", 0)
	req.NoError(err)
	req.Len(msgs, 3)
}

func TestSubmitMessage_AIFallback(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "c1", "a", "bot")
	alice := presencetest.New("ha")
	req.NoError(f.registry.Register(ctx, "a", alice))

	e := f.engine(nil, WithAI(staticResponder{err: errors.New("quota")}, "bot"))
	_, _, err := e.SubmitMessage(ctx, text("c1", "a", "hello"))
	req.NoError(err)

	got := alice.Named(model.EventReceiveMessage)
	req.Len(got, 1)
	req.Equal(ai.Fallback, got[0].(model.PopulatedMessage).Content)
}

func TestMarkRead(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "c1", "a", "b")
	e := f.engine(nil, WithClock(func() time.Time { return time.Unix(1700000000, 0) }))

	for i := 0; i < 3; i++ {
		_, _, err := e.SubmitMessage(ctx, text("c1", "a", "m"))
		req.NoError(err)
	}
	n, err := e.UnreadCount(ctx, "c1", "b")
	req.NoError(err)
	req.Equal(int64(3), n)

	b := presencetest.New("hb")
	req.NoError(f.registry.Register(ctx, "b", b))

	read := model.MessageRead{ChatID: "c1", UserID: "b"}
	req.NoError(e.MarkRead(ctx, read))
	req.NoError(e.MarkRead(ctx, read))

	n, err = e.UnreadCount(ctx, "c1", "b")
	req.NoError(err)
	req.Zero(n)

	msgs, err := f.store.Messages(ctx, "c1", 0)
	req.NoError(err)
	for _, m := range msgs {
		req.Equal([]string{"b"}, m.ReadBy)
		req.True(time.Unix(1700000000, 0).Equal(m.CreatedAt))
	}

	counts := b.Named(model.EventUnreadCount)
	req.Len(counts, 2)
	req.Equal(model.UnreadCount{ChatID: "c1", Count: 0}, counts[0])

	req.ErrorIs(e.MarkRead(ctx, model.MessageRead{ChatID: "c1"}), model.ErrValidation)
}

func TestMarkRead_RequiresMembership(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	f.chat(t, "c1", "a", "b")
	e := f.engine(nil)

	_, _, err := e.SubmitMessage(ctx, text("c1", "a", "m"))
	req.NoError(err)

	req.ErrorIs(e.MarkRead(ctx, model.MessageRead{ChatID: "c1", UserID: "mallory"}), model.ErrValidation)
	req.ErrorIs(e.MarkRead(ctx, model.MessageRead{ChatID: "nope", UserID: "b"}), model.ErrNotFound)

	msgs, err := f.store.Messages(ctx, "c1", 0)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Empty(msgs[0].ReadBy)

	_, err = f.store.GetChat(ctx, "nope")
	req.ErrorIs(err, model.ErrNotFound)
}
