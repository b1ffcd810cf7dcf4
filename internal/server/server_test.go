package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/ratelimit"
	"github.com/unclebandit/smsleopard-dispatch/internal/transport"
)

func memoryConfig() config.AppConfig {
	return config.AppConfig{
		StoreDriver:     "memory",
		Transport:       "mock",
		RateLimitMax:    20,
		DispatchWorkers: 2,
		WebhookWorkers:  2,
	}
}

func TestBuildInMemory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, memoryConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if _, ok := a.Limiter.(*ratelimit.MemoryLimiter); !ok {
		t.Fatalf("expected memory limiter, got %T", a.Limiter)
	}
	if _, ok := a.Transport.(*transport.MockTransport); !ok {
		t.Fatalf("expected mock transport, got %T", a.Transport)
	}
	if err := a.StartConsumers(ctx); err != nil {
		t.Fatalf("start consumers: %v", err)
	}

	h := a.Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body := w.Body.String()
	if !strings.Contains(body, "go_goroutines") || !strings.Contains(body, "queue_jobs") {
		t.Fatalf("metrics exposition incomplete:\n%s", body)
	}
}

func TestBuildWithRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.RedisAddr = mr.Addr()

	a, err := Build(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if _, ok := a.Limiter.(*ratelimit.RedisLimiter); !ok {
		t.Fatalf("expected redis limiter, got %T", a.Limiter)
	}
}

func TestBuildRejectsHTTPTransportWithoutURL(t *testing.T) {
	cfg := memoryConfig()
	cfg.Transport = "http"
	if _, err := Build(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatal("expected error for http transport without url")
	}
}
