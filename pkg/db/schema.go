package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Tables lists the schema in creation order. Counter columns cannot share a
// table with regular columns, hence chat_unread.
var Tables = []struct {
	Name string
	DDL  string
}{
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		name text,
		profile_picture text,
		online boolean,
		last_seen timestamp,
		is_ai boolean
	)`},
	{"chats", `CREATE TABLE IF NOT EXISTS chats (
		id text PRIMARY KEY,
		members list<text>,
		is_group boolean,
		group_name text,
		last_message bigint,
		last_call bigint,
		created_at timestamp
	)`},
	{"user_chats", `CREATE TABLE IF NOT EXISTS user_chats (
		user_id text,
		chat_id text,
		PRIMARY KEY (user_id, chat_id)
	)`},
	{"chat_unread", `CREATE TABLE IF NOT EXISTS chat_unread (
		chat_id text,
		user_id text,
		unread_count counter,
		PRIMARY KEY (chat_id, user_id)
	)`},
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		chat_id text,
		id bigint,
		sender_id text,
		content text,
		type text,
		status text,
		read_by set<text>,
		reply_to bigint,
		file text,
		is_edited boolean,
		edited_at timestamp,
		is_deleted boolean,
		deleted_at timestamp,
		created_at timestamp,
		PRIMARY KEY (chat_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`},
	{"calls", `CREATE TABLE IF NOT EXISTS calls (
		id bigint PRIMARY KEY,
		caller_id text,
		receiver_id text,
		chat_id text,
		call_type text,
		status text,
		started_at timestamp,
		ended_at timestamp,
		duration_seconds bigint
	)`},
	{"user_calls", `CREATE TABLE IF NOT EXISTS user_calls (
		user_id text,
		call_id bigint,
		PRIMARY KEY (user_id, call_id)
	) WITH CLUSTERING ORDER BY (call_id DESC)`},
	{"subscriptions", `CREATE TABLE IF NOT EXISTS subscriptions (
		user_id text PRIMARY KEY,
		endpoint text,
		p256dh text,
		auth text,
		created_at timestamp
	)`},
}

// EnsureSchema creates the keyspace through the system keyspace and then every
// table. Statements are idempotent.
func EnsureSchema(hosts []string, keyspace string, replication int, log *zap.Logger) error {
	sys, err := NewSession(hosts, "system", 5*time.Second, log)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	err = sys.Query(stmt).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}

	session, err := NewSession(hosts, keyspace, 5*time.Second, log)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, t := range Tables {
		if err := session.Query(t.DDL).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		log.Info("table ready", zap.String("table", t.Name))
	}
	return nil
}

// DropSchema drops every table, newest first.
func DropSchema(session *Session, log *zap.Logger) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		name := Tables[i].Name
		if err := session.Query("DROP TABLE IF EXISTS " + name).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", name, err)
		}
		log.Info("table dropped", zap.String("table", name))
	}
	return nil
}
