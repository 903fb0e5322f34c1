package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "test")

	rr := httptest.NewRecorder()
	checker.Liveness(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("Liveness returned %v, want %v", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}
}

func TestHealthChecker_ReadinessUnhealthyDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock db: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

	checker := NewHealthChecker(db, nil, "test")
	rr := httptest.NewRecorder()
	checker.Readiness(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected %v, got %v", http.StatusServiceUnavailable, rr.Code)
	}

	var response HealthStatus
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Status != StatusUnhealthy {
		t.Errorf("Expected status %s, got %s", StatusUnhealthy, response.Status)
	}
	if response.Version != "test" {
		t.Errorf("Expected version test, got %s", response.Version)
	}
}

func TestHealthChecker_CheckRedisDownDegrades(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock db: %v", err)
	}
	defer db.Close()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	status := NewHealthChecker(db, client, "").Check(context.Background())

	if status.Status != StatusDegraded {
		t.Errorf("Expected %s, got %s", StatusDegraded, status.Status)
	}
	if status.Dependencies["database"].Status != StatusHealthy {
		t.Errorf("database should be healthy: %+v", status.Dependencies["database"])
	}
	if status.Dependencies["redis"].Status != StatusUnhealthy {
		t.Errorf("redis should be unhealthy: %+v", status.Dependencies["redis"])
	}
}

func TestHealthChecker_SyncGRPC(t *testing.T) {
	srv := health.NewServer()
	checker := NewHealthChecker(nil, nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.SyncGRPC(ctx, srv, 10*time.Millisecond, "keel.catalog.Resources")
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "keel.catalog.Resources"})
		if err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never reported SERVING (err=%v)", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestRegisterHealthRoutes(t *testing.T) {
	router := mux.NewRouter()
	RegisterHealthRoutes(router, NewHealthChecker(nil, nil, ""))

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s returned %d", path, rr.Code)
		}
	}
}
