package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisRooms mirrors chat room membership of live connections into Redis sets
// so other services can answer "who is online in this chat".
type RedisRooms struct {
	rdb *redis.Client
}

func NewRedisRooms(rdb *redis.Client) *RedisRooms {
	return &RedisRooms{rdb: rdb}
}

func RoomKey(chatID string) string {
	return "chat:" + chatID + ":online"
}

func (r *RedisRooms) Join(ctx context.Context, chatID, userID string) error {
	return r.rdb.SAdd(ctx, RoomKey(chatID), userID).Err()
}

func (r *RedisRooms) Leave(ctx context.Context, chatID, userID string) error {
	return r.rdb.SRem(ctx, RoomKey(chatID), userID).Err()
}

func (r *RedisRooms) Members(ctx context.Context, chatID string) ([]string, error) {
	return r.rdb.SMembers(ctx, RoomKey(chatID)).Result()
}
