// Package health 依赖检查与后台循环监控
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

const defaultCheckTimeout = 2 * time.Second

// Check 单个依赖检查
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dependency 检查结果
type Dependency struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latencyMs"`
	Message   string `json:"message,omitempty"`
}

// Response 汇总结果
type Response struct {
	Status       Status       `json:"status"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// Postgres 数据库连通性检查
func Postgres(db *sql.DB) Check {
	return Check{Name: "postgres", Run: func(ctx context.Context) error {
		if db == nil {
			return fmt.Errorf("nil db")
		}
		return db.PingContext(ctx)
	}}
}

// Redis Redis 连通性检查
func Redis(client redis.UniversalClient) Check {
	return Check{Name: "redis", Run: func(ctx context.Context) error {
		if client == nil {
			return fmt.Errorf("nil redis client")
		}
		return client.Ping(ctx).Err()
	}}
}

// Loop 后台循环存活检查
func Loop(name string, m *LoopMonitor, maxAge time.Duration) Check {
	return Check{Name: name, Run: func(ctx context.Context) error {
		ok, age, lastErr := m.Healthy(time.Now(), maxAge)
		if ok {
			return nil
		}
		if lastErr != "" {
			return fmt.Errorf("stale for %s: %s", age, lastErr)
		}
		return fmt.Errorf("stale for %s", age)
	}}
}

// Run 并发执行所有检查
func Run(ctx context.Context, checks ...Check) Response {
	deps := make([]Dependency, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			depCtx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
			defer cancel()

			start := time.Now()
			err := c.Run(depCtx)
			dep := Dependency{Name: c.Name, Status: StatusUp, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				dep.Status = StatusDown
				dep.Message = err.Error()
			}
			deps[i] = dep
		}(i, c)
	}
	wg.Wait()

	resp := Response{Status: StatusUp, Dependencies: deps}
	for _, d := range deps {
		if d.Status != StatusUp {
			resp.Status = StatusDown
			break
		}
	}
	return resp
}

// Handler 返回就绪检查 HTTP 处理器
func Handler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := Run(r.Context(), checks...)
		code := http.StatusOK
		if resp.Status != StatusUp {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
