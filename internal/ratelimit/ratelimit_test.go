package ratelimit_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/kobai/internal/ratelimit"
)

var testRedis *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedis = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	if err := testRedis.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ping redis: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = testRedis.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// newRedisLimiter uses a unique prefix so tests never share windows.
func newRedisLimiter(limit int, window time.Duration) *ratelimit.RedisLimiter {
	return ratelimit.NewRedisLimiter(testRedis, "test-"+uuid.NewString(), limit, window)
}

func TestRedisLimiterWindow(t *testing.T) {
	ctx := context.Background()
	l := newRedisLimiter(3, time.Minute)

	for i := range 3 {
		ok, err := l.Allow(ctx, "tenant:a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
	ok, err := l.Allow(ctx, "tenant:a")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "tenant:b")
	require.NoError(t, err)
	assert.True(t, ok, "other keys keep their own window")
}

func TestRedisLimiterWindowSlides(t *testing.T) {
	ctx := context.Background()
	l := newRedisLimiter(2, 300*time.Millisecond)

	for range 2 {
		ok, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.Eventually(t, func() bool {
		ok, err := l.Allow(ctx, "k")
		return err == nil && ok
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRedisLimiterSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	prefix := "test-" + uuid.NewString()
	replicas := []*ratelimit.RedisLimiter{
		ratelimit.NewRedisLimiter(testRedis, prefix, 10, time.Minute),
		ratelimit.NewRedisLimiter(testRedis, prefix, 10, time.Minute),
	}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(l *ratelimit.RedisLimiter) {
			defer wg.Done()
			if ok, err := l.Allow(ctx, "shared"); err == nil && ok {
				allowed.Add(1)
			}
		}(replicas[i%2])
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed.Load())
}

func TestRedisLimiterErrorsWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer func() { _ = client.Close() }()

	_, err := ratelimit.NewRedisLimiter(client, "x", 1, time.Second).Allow(context.Background(), "k")
	require.Error(t, err)
}

type scriptedLimiter struct {
	allow bool
	err   error
}

func (s scriptedLimiter) Allow(context.Context, string) (bool, error) { return s.allow, s.err }
func (s scriptedLimiter) Close() error                                { return nil }

func TestMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	deny := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	fixedKey := func(*http.Request) string { return "k" }
	noKey := func(*http.Request) string { return "" }

	tests := []struct {
		name       string
		limiter    ratelimit.Limiter
		key        ratelimit.KeyFunc
		wantStatus int
		wantRetry  string
	}{
		{"allowed", scriptedLimiter{allow: true}, fixedKey, http.StatusNoContent, ""},
		{"denied", scriptedLimiter{allow: false}, fixedKey, http.StatusTooManyRequests, "2"},
		{"limiter error fails open", scriptedLimiter{err: errors.New("boom")}, fixedKey, http.StatusNoContent, ""},
		{"empty key skips", scriptedLimiter{allow: false}, noKey, http.StatusNoContent, ""},
		{"nil limiter skips", nil, fixedKey, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := ratelimit.Middleware(tt.limiter, tt.key, deny, 2, logger)(ok)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/actions/plan", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantRetry, rec.Header().Get("Retry-After"))
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "1.1.1.1")
	assert.Equal(t, "10.1.2.3", ratelimit.IPKeyFunc(r))
}
