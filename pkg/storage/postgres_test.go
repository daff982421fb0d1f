package storage

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/clipjobs/pkg/core"
)

// skipIfNotPostgres skips the test when TEST_DATABASE_URL is not set.
func skipIfNotPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_DATABASE_URL") == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL-specific test")
	}
}

func TestClaimNext_PostgreSQL_ConcurrentWorkersGetDistinctJobs(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Create(ctx, newTestJob("aaaaaaaaaaa")))
	require.NoError(t, s.Create(ctx, newTestJob("bbbbbbbbbbb")))

	var (
		mu      sync.Mutex
		results []*core.Job
		wg      sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimNext(ctx, "worker-concurrent", testLock)
			assert.NoError(t, err)
			if j == nil {
				return
			}
			mu.Lock()
			results = append(results, j)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, results, 2, "two jobs must be claimed exactly once each")
	assert.NotEqual(t, results[0].ID, results[1].ID)
}
