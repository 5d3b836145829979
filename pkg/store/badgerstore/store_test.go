package badgerstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/store"
)

var _ store.Store = (*Store)(nil)

func bootstrap(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetPresence(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()

	req.NoError(s.PutUser(ctx, model.User{ID: "alice", Name: "Alice"}))
	req.NoError(s.SetPresence(ctx, "alice", true, time.Time{}))

	u, err := s.GetUser(ctx, "alice")
	req.NoError(err)
	req.True(u.Online)
	req.Equal("Alice", u.Name)

	seen := time.Now().UTC().Truncate(time.Millisecond)
	req.NoError(s.SetPresence(ctx, "alice", false, seen))
	u, err = s.GetUser(ctx, "alice")
	req.NoError(err)
	req.False(u.Online)
	req.True(seen.Equal(u.LastSeen))

	_, err = s.GetUser(ctx, "nobody")
	req.ErrorIs(err, model.ErrNotFound)
}

func TestUnreadCounters(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()
	req.NoError(s.PutChat(ctx, model.Chat{ID: "c1", Members: []string{"a", "b", "b"}}))

	n, err := s.UnreadCount(ctx, "c1", "b")
	req.NoError(err)
	req.Zero(n)

	// reset of a missing counter stays a no-op
	req.NoError(s.ResetUnread(ctx, "c1", "b"))
	chat, err := s.GetChat(ctx, "c1")
	req.NoError(err)
	req.Empty(chat.Unread)
	req.Equal([]string{"a", "b"}, chat.Members)

	req.NoError(s.IncrementUnread(ctx, "c1", "b"))
	req.NoError(s.IncrementUnread(ctx, "c1", "b"))
	n, err = s.UnreadCount(ctx, "c1", "b")
	req.NoError(err)
	req.Equal(int64(2), n)

	chat, err = s.GetChat(ctx, "c1")
	req.NoError(err)
	req.Equal(map[string]int64{"b": 2}, chat.Unread)

	req.NoError(s.ResetUnread(ctx, "c1", "b"))
	n, err = s.UnreadCount(ctx, "c1", "b")
	req.NoError(err)
	req.Zero(n)
}

func TestIncrementUnread_Concurrent(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.IncrementUnread(ctx, "c1", "b"))
		}()
	}
	wg.Wait()

	n, err := s.UnreadCount(ctx, "c1", "b")
	req.NoError(err)
	req.Equal(int64(writers), n)
}

func TestMessages_OrderAndMarkRead(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()

	for _, id := range []int64{30, 10, 20} {
		req.NoError(s.CreateMessage(ctx, model.Message{ID: id, ChatID: "c1", SenderID: "a", Content: "hi", Type: model.TypeText}))
	}
	req.NoError(s.CreateMessage(ctx, model.Message{ID: 15, ChatID: "c2", SenderID: "a"}))

	msgs, err := s.Messages(ctx, "c1", 0)
	req.NoError(err)
	req.Len(msgs, 3)
	req.Equal([]int64{10, 20, 30}, []int64{msgs[0].ID, msgs[1].ID, msgs[2].ID})

	latest, err := s.Messages(ctx, "c1", 2)
	req.NoError(err)
	req.Equal([]int64{20, 30}, []int64{latest[0].ID, latest[1].ID})

	req.NoError(s.MarkRead(ctx, "c1", "b"))
	req.NoError(s.MarkRead(ctx, "c1", "b"))
	msgs, err = s.Messages(ctx, "c1", 0)
	req.NoError(err)
	for _, m := range msgs {
		req.Equal([]string{"b"}, m.ReadBy)
	}

	other, err := s.GetMessage(ctx, "c2", 15)
	req.NoError(err)
	req.Empty(other.ReadBy)

	_, err = s.GetMessage(ctx, "c1", 99)
	req.ErrorIs(err, model.ErrNotFound)
}

func TestChat_LastMessageAndCall(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()

	req.ErrorIs(s.SetLastMessage(ctx, "missing", 1), model.ErrNotFound)

	req.NoError(s.PutChat(ctx, model.Chat{ID: "c1", Members: []string{"a", "b"}}))
	req.NoError(s.SetLastMessage(ctx, "c1", 42))
	req.NoError(s.SetLastCall(ctx, "c1", 7))

	chat, err := s.GetChat(ctx, "c1")
	req.NoError(err)
	req.Equal(int64(42), chat.LastMessage)
	req.Equal(int64(7), chat.LastCall)
}

func TestCalls_CompareAndSet(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()

	now := time.Now().UTC()
	call := model.Call{ID: 1, CallerID: "a", ReceiverID: "b", Type: model.CallVideo, Status: model.CallPending, StartedAt: &now}
	req.NoError(s.CreateCall(ctx, call))
	req.NoError(s.CreateCall(ctx, model.Call{ID: 2, CallerID: "b", ReceiverID: "a", Status: model.CallPending}))

	call.Status = model.CallOngoing
	req.NoError(s.UpdateCall(ctx, call, model.CallPending))

	// a second writer still expecting pending loses
	stale := call
	stale.Status = model.CallMissed
	req.ErrorIs(s.UpdateCall(ctx, stale, model.CallPending), model.ErrIllegalTransition)

	got, err := s.GetCall(ctx, 1)
	req.NoError(err)
	req.Equal(model.CallOngoing, got.Status)

	req.ErrorIs(s.UpdateCall(ctx, model.Call{ID: 9}, model.CallPending), model.ErrNotFound)

	calls, err := s.CallsByUser(ctx, "a")
	req.NoError(err)
	req.Len(calls, 2)
	req.Equal(int64(2), calls[0].ID)
	req.Equal(int64(1), calls[1].ID)
}

func TestSubscription_LastWriteWins(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()

	_, err := s.GetSubscription(ctx, "b")
	req.ErrorIs(err, model.ErrNotFound)

	req.NoError(s.PutSubscription(ctx, model.Subscription{UserID: "b", Endpoint: "https://push/1"}))
	req.NoError(s.PutSubscription(ctx, model.Subscription{UserID: "b", Endpoint: "https://push/2"}))

	sub, err := s.GetSubscription(ctx, "b")
	req.NoError(err)
	req.Equal("https://push/2", sub.Endpoint)
}

func TestPopulate(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()

	req.NoError(s.PutUser(ctx, model.User{ID: "a", Name: "Alice", ProfilePicture: "a.png"}))
	original := model.Message{ID: 1, ChatID: "c1", SenderID: "b", Content: "question"}
	req.NoError(s.CreateMessage(ctx, original))

	reply := model.Message{ID: 2, ChatID: "c1", SenderID: "a", Content: "answer", ReplyTo: 1}
	p, err := store.Populate(ctx, s, s, reply)
	req.NoError(err)
	req.Equal(model.Sender{ID: "a", Name: "Alice", ProfilePicture: "a.png"}, p.Sender)
	req.NotNil(p.ReplyTo)
	req.Equal("question", p.ReplyTo.Content)

	// unknown sender and dangling reply are tolerated
	p, err = store.Populate(ctx, s, s, model.Message{ID: 3, ChatID: "c1", SenderID: "ghost", ReplyTo: 99})
	req.NoError(err)
	req.Equal("ghost", p.Sender.ID)
	req.Nil(p.ReplyTo)
}

func TestChatsSharingAnIDPrefix(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()

	req.NoError(s.PutChat(ctx, model.Chat{ID: "dm", Members: []string{"a", "b"}}))
	req.NoError(s.PutChat(ctx, model.Chat{ID: "dm:x", Members: []string{"c", "d"}}))
	req.NoError(s.CreateMessage(ctx, model.Message{ID: 42, ChatID: "dm:x", SenderID: "c", Content: "secret"}))
	req.NoError(s.IncrementUnread(ctx, "dm:x", "d"))
	req.NoError(s.CreateCall(ctx, model.Call{ID: 7, CallerID: "a:b", ReceiverID: "c"}))

	msgs, err := s.Messages(ctx, "dm", 0)
	req.NoError(err)
	req.Empty(msgs)

	chat, err := s.GetChat(ctx, "dm")
	req.NoError(err)
	req.Empty(chat.Unread)

	req.NoError(s.MarkRead(ctx, "dm", "a"))
	_, err = s.GetMessage(ctx, "dm", 42)
	req.ErrorIs(err, model.ErrNotFound)
	m, err := s.GetMessage(ctx, "dm:x", 42)
	req.NoError(err)
	req.Empty(m.ReadBy)

	chat, err = s.GetChat(ctx, "dm:x")
	req.NoError(err)
	req.Equal(map[string]int64{"d": 1}, chat.Unread)

	// "a" must not see the calls of "a:b"
	calls, err := s.CallsByUser(ctx, "a")
	req.NoError(err)
	req.Empty(calls)
	calls, err = s.CallsByUser(ctx, "a:b")
	req.NoError(err)
	req.Len(calls, 1)
}

func TestChatsByUser(t *testing.T) {
	req := require.New(t)
	s := bootstrap(t)
	ctx := context.Background()

	req.NoError(s.PutChat(ctx, model.Chat{ID: "c2", Members: []string{"a", "b"}}))
	req.NoError(s.PutChat(ctx, model.Chat{ID: "c1", Members: []string{"a", "c"}}))
	req.NoError(s.IncrementUnread(ctx, "c1", "a"))

	chats, err := s.ChatsByUser(ctx, "a")
	req.NoError(err)
	req.Len(chats, 2)
	req.Equal("c1", chats[0].ID)
	req.Equal(int64(1), chats[0].Unread["a"])
	req.Equal("c2", chats[1].ID)

	// b leaves c2
	req.NoError(s.PutChat(ctx, model.Chat{ID: "c2", Members: []string{"a"}}))
	chats, err = s.ChatsByUser(ctx, "b")
	req.NoError(err)
	req.Empty(chats)

	chats, err = s.ChatsByUser(ctx, "nobody")
	req.NoError(err)
	req.Empty(chats)
}
