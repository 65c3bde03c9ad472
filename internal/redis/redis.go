package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Connect establishes a connection to the Redis instance holding the shared
// match documents.
func Connect(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return client, nil
}
