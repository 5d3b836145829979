// Package badgerstore is an embedded store.Store on top of Badger. It backs
// single-node deployments and, in in-memory mode, the package tests.
//
// Key layout, where {x} is a hex encoded id so that no id can extend the
// prefix of another:
//
//	user:{id}                   JSON model.User
//	chat:{id}                   JSON model.Chat (counters excluded)
//	userchat:{user}:{chat}      empty, lists the chats of a user
//	unread:{chat}:{user}        decimal counter
//	msg:{chat}:{id padded}      JSON model.Message, ordered by snowflake id
//	call:{id padded}            JSON model.Call
//	callidx:{user}:{id padded}  empty, lists the calls of a user
//	sub:{user}                  JSON model.Subscription
package badgerstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/model"
)

// maxConflictRetries bounds the optimistic retry loop of read-modify-write
// transactions.
const maxConflictRetries = 256

type Store struct {
	db  *badger.DB
	log *zap.Logger
}

// Open opens (or creates) a store under dir. An empty dir opens an in-memory
// store.
func Open(dir string, log *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log.Sugar()})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func seg(id string) string { return hex.EncodeToString([]byte(id)) }

func userKey(id string) []byte { return []byte("user:" + seg(id)) }
func chatKey(id string) []byte { return []byte("chat:" + seg(id)) }
func subKey(user string) []byte { return []byte("sub:" + seg(user)) }
func callKey(id int64) []byte { return []byte(fmt.Sprintf("call:%019d", id)) }
func unreadPrefix(chat string) []byte { return []byte("unread:" + seg(chat) + ":") }
func messagePrefix(chat string) []byte { return []byte("msg:" + seg(chat) + ":") }
func userChatPrefix(user string) []byte {
	return []byte("userchat:" + seg(user) + ":")
}
func callIndexPrefix(user string) []byte { return []byte("callidx:" + seg(user) + ":") }

func unreadKey(chat, user string) []byte {
	return append(unreadPrefix(chat), seg(user)...)
}
func userChatKey(user, chat string) []byte {
	return append(userChatPrefix(user), seg(chat)...)
}
func messageKey(chat string, id int64) []byte {
	return fmt.Appendf(messagePrefix(chat), "%019d", id)
}
func callIndexKey(user string, id int64) []byte {
	return fmt.Appendf(callIndexPrefix(user), "%019d", id)
}

// unseg decodes the id that follows prefix in key.
func unseg(key, prefix []byte) (string, error) {
	b, err := hex.DecodeString(string(key[len(prefix):]))
	if err != nil {
		return "", fmt.Errorf("malformed key %q: %w", key, err)
	}
	return string(b), nil
}

// update runs fn in a read-write transaction and retries it when Badger
// reports a conflict with a concurrent committer.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxConflictRetries {
			return err
		}
		s.log.Debug("badger transaction conflict, retrying", zap.Int("attempt", attempt))
	}
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func (s *Store) GetUser(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(userID), &u)
	})
	if err != nil {
		return model.User{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

func (s *Store) PutUser(ctx context.Context, user model.User) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, userKey(user.ID), user)
	})
}

func (s *Store) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		u := model.User{ID: userID}
		if err := getJSON(txn, userKey(userID), &u); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		u.Online = online
		if !lastSeen.IsZero() {
			u.LastSeen = lastSeen
		}
		return setJSON(txn, userKey(userID), u)
	})
}

func (s *Store) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	var c model.Chat
	err := s.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, chatKey(chatID), &c); err != nil {
			return err
		}
		c.Unread = make(map[string]int64)
		prefix := unreadPrefix(chatID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			userID, err := unseg(it.Item().Key(), prefix)
			if err != nil {
				return err
			}
			n, err := counterValue(it.Item())
			if err != nil {
				return err
			}
			c.Unread[userID] = n
		}
		return nil
	})
	if err != nil {
		return model.Chat{}, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	return c, nil
}

// PutChat writes chat and keeps the per-user chat index in step with its
// members.
func (s *Store) PutChat(ctx context.Context, chat model.Chat) error {
	chat.Members = lo.Uniq(chat.Members)
	chat.Unread = nil
	return s.update(ctx, func(txn *badger.Txn) error {
		var prev model.Chat
		if err := getJSON(txn, chatKey(chat.ID), &prev); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		for _, gone := range lo.Without(prev.Members, chat.Members...) {
			if err := txn.Delete(userChatKey(gone, chat.ID)); err != nil {
				return err
			}
		}
		for _, member := range chat.Members {
			if err := txn.Set(userChatKey(member, chat.ID), []byte{}); err != nil {
				return err
			}
		}
		return setJSON(txn, chatKey(chat.ID), chat)
	})
}

// ChatsByUser returns the chats userID is a member of, ordered by id.
func (s *Store) ChatsByUser(ctx context.Context, userID string) ([]model.Chat, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := userChatPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			chatID, err := unseg(it.Item().Key(), prefix)
			if err != nil {
				return err
			}
			ids = append(ids, chatID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.Chat, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChat(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) patchChat(ctx context.Context, chatID string, patch func(*model.Chat)) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		var c model.Chat
		if err := getJSON(txn, chatKey(chatID), &c); err != nil {
			return err
		}
		patch(&c)
		return setJSON(txn, chatKey(chatID), c)
	})
	if err != nil {
		return fmt.Errorf("update chat %s: %w", chatID, err)
	}
	return nil
}

func (s *Store) SetLastMessage(ctx context.Context, chatID string, messageID int64) error {
	return s.patchChat(ctx, chatID, func(c *model.Chat) { c.LastMessage = messageID })
}

func (s *Store) SetLastCall(ctx context.Context, chatID string, callID int64) error {
	return s.patchChat(ctx, chatID, func(c *model.Chat) { c.LastCall = callID })
}

func counterValue(item *badger.Item) (int64, error) {
	var n int64
	err := item.Value(func(val []byte) error {
		var err error
		n, err = strconv.ParseInt(string(val), 10, 64)
		return err
	})
	return n, err
}

// IncrementUnread adds one to the counter inside a serializable transaction;
// a concurrent writer makes the commit fail with ErrConflict and the whole
// transaction is replayed, so no increment is lost.
func (s *Store) IncrementUnread(ctx context.Context, chatID, userID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := unreadKey(chatID, userID)
		var n int64
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if n, err = counterValue(item); err != nil {
				return err
			}
		}
		return txn.Set(key, []byte(strconv.FormatInt(n+1, 10)))
	})
}

func (s *Store) ResetUnread(ctx context.Context, chatID, userID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := unreadKey(chatID, userID)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return txn.Set(key, []byte("0"))
	})
}

func (s *Store) UnreadCount(ctx context.Context, chatID, userID string) (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(unreadKey(chatID, userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		n, err = counterValue(item)
		return err
	})
	return n, err
}

func (s *Store) CreateMessage(ctx context.Context, msg model.Message) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, messageKey(msg.ChatID, msg.ID), msg)
	})
}

func (s *Store) GetMessage(ctx context.Context, chatID string, messageID int64) (model.Message, error) {
	var m model.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(chatID, messageID), &m)
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("get message %d: %w", messageID, err)
	}
	return m, nil
}

func (s *Store) Messages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	var out []model.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(chatID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var m model.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, chatID, userID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		pending, err := unreadMessages(txn, chatID, userID)
		if err != nil {
			return err
		}
		for _, m := range pending {
			m.ReadBy = append(m.ReadBy, userID)
			if err := setJSON(txn, messageKey(chatID, m.ID), m); err != nil {
				return err
			}
		}
		return nil
	})
}

// unreadMessages collects the messages of chatID that userID has not read.
// The iterator is closed before the caller writes in the same transaction.
func unreadMessages(txn *badger.Txn, chatID, userID string) ([]model.Message, error) {
	prefix := messagePrefix(chatID)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []model.Message
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var m model.Message
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		}); err != nil {
			return nil, err
		}
		if !m.ReadByUser(userID) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) CreateCall(ctx context.Context, call model.Call) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if err := setJSON(txn, callKey(call.ID), call); err != nil {
			return err
		}
		for _, party := range lo.Compact([]string{call.CallerID, call.ReceiverID}) {
			if err := txn.Set(callIndexKey(party, call.ID), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetCall(ctx context.Context, callID int64) (model.Call, error) {
	var c model.Call
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, callKey(callID), &c)
	})
	if err != nil {
		return model.Call{}, fmt.Errorf("get call %d: %w", callID, err)
	}
	return c, nil
}

func (s *Store) UpdateCall(ctx context.Context, call model.Call, from model.CallStatus) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var current model.Call
		if err := getJSON(txn, callKey(call.ID), &current); err != nil {
			return fmt.Errorf("update call %d: %w", call.ID, err)
		}
		if current.Status != from {
			return fmt.Errorf("call %d is %s, expected %s: %w", call.ID, current.Status, from, model.ErrIllegalTransition)
		}
		return setJSON(txn, callKey(call.ID), call)
	})
}

// CallsByUser returns the calls of userID, newest first.
func (s *Store) CallsByUser(ctx context.Context, userID string) ([]model.Call, error) {
	var out []model.Call
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := callIndexPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []int64
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := strconv.ParseInt(string(it.Item().Key()[len(prefix):]), 10, 64)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		for i := len(ids) - 1; i >= 0; i-- {
			var c model.Call
			id := ids[i]
			if err := getJSON(txn, callKey(id), &c); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func (s *Store) GetSubscription(ctx context.Context, userID string) (model.Subscription, error) {
	var sub model.Subscription
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, subKey(userID), &sub)
	})
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription %s: %w", userID, err)
	}
	return sub, nil
}

func (s *Store) PutSubscription(ctx context.Context, sub model.Subscription) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, subKey(sub.UserID), sub)
	})
}

// badgerLogger routes Badger's internal logging to zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
