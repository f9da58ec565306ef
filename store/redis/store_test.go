package redis_test

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/xraph/quota/id"
	"github.com/xraph/quota/store"
	"github.com/xraph/quota/store/redis"
	"github.com/xraph/quota/store/storetest"
)

func TestStoreContract(t *testing.T) {
	addr := os.Getenv("QUOTA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QUOTA_TEST_REDIS_ADDR not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		// A fresh prefix per subtest keeps runs isolated without FLUSHDB.
		prefix := "{quota-test-" + id.NewRequestID().String() + "}:"
		s := redis.New(client, redis.WithPrefix(prefix))
		require.NoError(t, s.Ping(context.Background()))
		return s
	})
}
