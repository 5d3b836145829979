// Package scylla implements store.Store on ScyllaDB / Cassandra through gocql.
// Unread counters live in a counter table so increments are server-side and
// commutative; call transitions use lightweight transactions on the status.
package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/model"
)

// markReadBatch caps the statements of one unlogged batch in MarkRead.
const markReadBatch = 100

type Store struct {
	db  *db.Session
	log *zap.Logger
}

func New(session *db.Session, log *zap.Logger) *Store {
	return &Store{db: session, log: log}
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return model.ErrNotFound
	}
	return err
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Store) GetUser(ctx context.Context, userID string) (model.User, error) {
	u := model.User{ID: userID}
	err := s.db.Query(`SELECT name, profile_picture, online, last_seen, is_ai FROM users WHERE id = ?`, userID).
		WithContext(ctx).
		Scan(&u.Name, &u.ProfilePicture, &u.Online, &u.LastSeen, &u.IsAI)
	if err != nil {
		return model.User{}, fmt.Errorf("get user %s: %w", userID, notFound(err))
	}
	return u, nil
}

func (s *Store) PutUser(ctx context.Context, u model.User) error {
	return s.db.Query(`INSERT INTO users (id, name, profile_picture, online, last_seen, is_ai) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.ProfilePicture, u.Online, timePtr(u.LastSeen), u.IsAI).
		WithContext(ctx).Exec()
}

func (s *Store) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	q := s.db.Query(`UPDATE users SET online = ? WHERE id = ?`, online, userID)
	if !lastSeen.IsZero() {
		q = s.db.Query(`UPDATE users SET online = ?, last_seen = ? WHERE id = ?`, online, lastSeen, userID)
	}
	if err := q.WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("set presence %s: %w", userID, err)
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	c := model.Chat{ID: chatID, Unread: make(map[string]int64)}
	var groupName *string
	var createdAt time.Time
	err := s.db.Query(`SELECT members, is_group, group_name, last_message, last_call, created_at FROM chats WHERE id = ?`, chatID).
		WithContext(ctx).
		Scan(&c.Members, &c.IsGroupChat, &groupName, &c.LastMessage, &c.LastCall, &createdAt)
	if err != nil {
		return model.Chat{}, fmt.Errorf("get chat %s: %w", chatID, notFound(err))
	}
	if groupName != nil {
		c.GroupName = *groupName
	}
	c.CreatedAt = createdAt

	iter := s.db.Query(`SELECT user_id, unread_count FROM chat_unread WHERE chat_id = ?`, chatID).WithContext(ctx).Iter()
	var userID string
	var count int64
	for iter.Scan(&userID, &count) {
		c.Unread[userID] = count
	}
	if err := iter.Close(); err != nil {
		return model.Chat{}, fmt.Errorf("get unread of chat %s: %w", chatID, err)
	}
	return c, nil
}

// PutChat writes the chat row and its user_chats index entries in one logged
// batch. Members dropped since the previous write lose their index entry.
func (s *Store) PutChat(ctx context.Context, c model.Chat) error {
	c.Members = lo.Uniq(c.Members)

	var prev []string
	err := s.db.Query(`SELECT members FROM chats WHERE id = ?`, c.ID).WithContext(ctx).Scan(&prev)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return fmt.Errorf("put chat %s: %w", c.ID, err)
	}

	b := s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO chats (id, members, is_group, group_name, last_message, last_call, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Members, c.IsGroupChat, c.GroupName, c.LastMessage, c.LastCall, timePtr(c.CreatedAt))
	for _, member := range c.Members {
		b.Query(`INSERT INTO user_chats (user_id, chat_id) VALUES (?, ?)`, member, c.ID)
	}
	for _, gone := range lo.Without(prev, c.Members...) {
		b.Query(`DELETE FROM user_chats WHERE user_id = ? AND chat_id = ?`, gone, c.ID)
	}
	if err := s.db.ExecuteBatch(b); err != nil {
		return fmt.Errorf("put chat %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) ChatsByUser(ctx context.Context, userID string) ([]model.Chat, error) {
	iter := s.db.Query(`SELECT chat_id FROM user_chats WHERE user_id = ?`, userID).WithContext(ctx).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list chats of %s: %w", userID, err)
	}

	chats := make([]model.Chat, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChat(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			s.log.Warn("dangling chat index entry", zap.String("user", userID), zap.String("chat", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, nil
}

func (s *Store) SetLastMessage(ctx context.Context, chatID string, messageID int64) error {
	err := s.db.Query(`UPDATE chats SET last_message = ? WHERE id = ?`, messageID, chatID).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("set last message of chat %s: %w", chatID, err)
	}
	return nil
}

func (s *Store) SetLastCall(ctx context.Context, chatID string, callID int64) error {
	err := s.db.Query(`UPDATE chats SET last_call = ? WHERE id = ?`, callID, chatID).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("set last call of chat %s: %w", chatID, err)
	}
	return nil
}

// IncrementUnread relies on counter semantics: the update creates the row when
// missing and concurrent increments are merged by the cluster.
func (s *Store) IncrementUnread(ctx context.Context, chatID, userID string) error {
	err := s.db.Query(`UPDATE chat_unread SET unread_count = unread_count + 1 WHERE chat_id = ? AND user_id = ?`, chatID, userID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("increment unread %s/%s: %w", chatID, userID, err)
	}
	return nil
}

// ResetUnread subtracts the value it observed instead of deleting the row, so
// an increment racing with the reset survives it. Counter deletes are not
// reliably reversible.
func (s *Store) ResetUnread(ctx context.Context, chatID, userID string) error {
	n, err := s.UnreadCount(ctx, chatID, userID)
	if err != nil || n == 0 {
		return err
	}
	err = s.db.Query(`UPDATE chat_unread SET unread_count = unread_count - ? WHERE chat_id = ? AND user_id = ?`, n, chatID, userID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("reset unread %s/%s: %w", chatID, userID, err)
	}
	return nil
}

func (s *Store) UnreadCount(ctx context.Context, chatID, userID string) (int64, error) {
	var n int64
	err := s.db.Query(`SELECT unread_count FROM chat_unread WHERE chat_id = ? AND user_id = ?`, chatID, userID).
		WithContext(ctx).Scan(&n)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("unread count %s/%s: %w", chatID, userID, err)
	}
	return n, nil
}

const messageColumns = `chat_id, id, sender_id, content, type, status, read_by, reply_to, file, is_edited, edited_at, is_deleted, deleted_at, created_at`

type messageRow struct {
	m         model.Message
	typ       string
	status    string
	replyTo   *int64
	file      *string
	editedAt  time.Time
	deletedAt time.Time
}

func (r *messageRow) dest() []interface{} {
	return []interface{}{
		&r.m.ChatID, &r.m.ID, &r.m.SenderID, &r.m.Content, &r.typ, &r.status, &r.m.ReadBy,
		&r.replyTo, &r.file, &r.m.IsEdited, &r.editedAt, &r.m.IsDeleted, &r.deletedAt, &r.m.CreatedAt,
	}
}

func (r *messageRow) message() model.Message {
	m := r.m
	m.Type = model.MessageType(r.typ)
	m.Status = model.MessageStatus(r.status)
	if r.replyTo != nil {
		m.ReplyTo = *r.replyTo
	}
	if r.file != nil {
		m.File = *r.file
	}
	m.EditedAt = timePtr(r.editedAt)
	m.DeletedAt = timePtr(r.deletedAt)
	return m
}

func (s *Store) CreateMessage(ctx context.Context, m model.Message) error {
	var replyTo *int64
	if m.ReplyTo != 0 {
		replyTo = &m.ReplyTo
	}
	err := s.db.Query(`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, m.ID, m.SenderID, m.Content, string(m.Type), string(m.Status), m.ReadBy,
		replyTo, m.File, m.IsEdited, m.EditedAt, m.IsDeleted, m.DeletedAt, m.CreatedAt).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("insert message %d: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, chatID string, messageID int64) (model.Message, error) {
	var row messageRow
	err := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID).
		WithContext(ctx).Scan(row.dest()...)
	if err != nil {
		return model.Message{}, fmt.Errorf("get message %d: %w", messageID, notFound(err))
	}
	return row.message(), nil
}

func (s *Store) Messages(ctx context.Context, chatID string, limit int) ([]model.Message, error) {
	q := s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ?`, chatID)
	if limit > 0 {
		q = s.db.Query(`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`, chatID, limit)
	}
	iter := q.WithContext(ctx).Iter()

	var out []model.Message
	for {
		var row messageRow
		if !iter.Scan(row.dest()...) {
			break
		}
		out = append(out, row.message())
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list messages of chat %s: %w", chatID, err)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// MarkRead adds userID to read_by with set-append statements, which are
// idempotent, batched per partition.
func (s *Store) MarkRead(ctx context.Context, chatID, userID string) error {
	iter := s.db.Query(`SELECT id, read_by FROM messages WHERE chat_id = ?`, chatID).WithContext(ctx).Iter()

	var pending []int64
	var id int64
	var readBy []string
	for iter.Scan(&id, &readBy) {
		if !(model.Message{ReadBy: readBy}).ReadByUser(userID) {
			pending = append(pending, id)
		}
		readBy = nil
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("scan unread messages of chat %s: %w", chatID, err)
	}

	for start := 0; start < len(pending); start += markReadBatch {
		end := min(start+markReadBatch, len(pending))
		b := s.db.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
		for _, id := range pending[start:end] {
			b.Query(`UPDATE messages SET read_by = read_by + ? WHERE chat_id = ? AND id = ?`, []string{userID}, chatID, id)
		}
		if err := s.db.ExecuteBatch(b); err != nil {
			return fmt.Errorf("mark read chat %s: %w", chatID, err)
		}
	}
	s.log.Debug("marked messages read", zap.String("chat", chatID), zap.String("user", userID), zap.Int("count", len(pending)))
	return nil
}

func (s *Store) CreateCall(ctx context.Context, c model.Call) error {
	err := s.db.Query(`INSERT INTO calls (id, caller_id, receiver_id, chat_id, call_type, status, started_at, ended_at, duration_seconds) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CallerID, c.ReceiverID, c.ChatID, string(c.Type), string(c.Status), c.StartedAt, c.EndedAt, c.DurationSeconds).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("insert call %d: %w", c.ID, err)
	}
	for _, party := range []string{c.CallerID, c.ReceiverID} {
		if party == "" {
			continue
		}
		if err := s.db.Query(`INSERT INTO user_calls (user_id, call_id) VALUES (?, ?)`, party, c.ID).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("index call %d for %s: %w", c.ID, party, err)
		}
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, callID int64) (model.Call, error) {
	c := model.Call{ID: callID}
	var receiver, chat *string
	var typ, status string
	err := s.db.Query(`SELECT caller_id, receiver_id, chat_id, call_type, status, started_at, ended_at, duration_seconds FROM calls WHERE id = ?`, callID).
		WithContext(ctx).
		Scan(&c.CallerID, &receiver, &chat, &typ, &status, &c.StartedAt, &c.EndedAt, &c.DurationSeconds)
	if err != nil {
		return model.Call{}, fmt.Errorf("get call %d: %w", callID, notFound(err))
	}
	if receiver != nil {
		c.ReceiverID = *receiver
	}
	if chat != nil {
		c.ChatID = *chat
	}
	c.Type = model.CallType(typ)
	c.Status = model.CallStatus(status)
	return c, nil
}

// UpdateCall is a lightweight transaction conditioned on the previous status.
func (s *Store) UpdateCall(ctx context.Context, c model.Call, from model.CallStatus) error {
	previous := make(map[string]interface{})
	applied, err := s.db.Query(`UPDATE calls SET status = ?, started_at = ?, ended_at = ?, duration_seconds = ? WHERE id = ? IF status = ?`,
		string(c.Status), c.StartedAt, c.EndedAt, c.DurationSeconds, c.ID, string(from)).
		WithContext(ctx).
		MapScanCAS(previous)
	if err != nil {
		return fmt.Errorf("update call %d: %w", c.ID, err)
	}
	if applied {
		return nil
	}
	current, _ := previous["status"].(string)
	if current == "" {
		return fmt.Errorf("update call %d: %w", c.ID, model.ErrNotFound)
	}
	return fmt.Errorf("call %d is %s, expected %s: %w", c.ID, current, from, model.ErrIllegalTransition)
}

func (s *Store) CallsByUser(ctx context.Context, userID string) ([]model.Call, error) {
	iter := s.db.Query(`SELECT call_id FROM user_calls WHERE user_id = ?`, userID).WithContext(ctx).Iter()
	var ids []int64
	var id int64
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list calls of %s: %w", userID, err)
	}

	calls := make([]model.Call, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCall(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			s.log.Warn("dangling call index entry", zap.String("user", userID), zap.Int64("call", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, nil
}

func (s *Store) GetSubscription(ctx context.Context, userID string) (model.Subscription, error) {
	sub := model.Subscription{UserID: userID}
	err := s.db.Query(`SELECT endpoint, p256dh, auth, created_at FROM subscriptions WHERE user_id = ?`, userID).
		WithContext(ctx).
		Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.CreatedAt)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("get subscription %s: %w", userID, notFound(err))
	}
	return sub, nil
}

// PutSubscription upserts on the user key: the latest write replaces any
// earlier credential.
func (s *Store) PutSubscription(ctx context.Context, sub model.Subscription) error {
	err := s.db.Query(`INSERT INTO subscriptions (user_id, endpoint, p256dh, auth, created_at) VALUES (?, ?, ?, ?, ?)`,
		sub.UserID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, sub.CreatedAt).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("put subscription %s: %w", sub.UserID, err)
	}
	return nil
}
