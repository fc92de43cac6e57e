package redis

import (
	"errors"

	"github.com/redis/go-redis/v9"
)

// IsClosedError checks if the error is a "client is closed" error.
func IsClosedError(err error) bool {
	return errors.Is(err, redis.ErrClosed)
}
