package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xraph/quota/store"
	"github.com/xraph/quota/store/sqlite"
	"github.com/xraph/quota/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := sqlite.Open(ctx, ":memory:")
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		return s
	})
}

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))
}
