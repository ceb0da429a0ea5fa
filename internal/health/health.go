// Package health runs readiness checks against the server's dependencies.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Check results.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// DefaultTimeout bounds a full round of checks.
const DefaultTimeout = 5 * time.Second

// Checker is a dependency that can report whether it is reachable.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Report is the outcome of one round of checks.
type Report struct {
	Healthy bool
	Checks  map[string]string
}

// Names returns the checked dependency names in sorted order.
func (r Report) Names() []string {
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes all checkers concurrently under timeout. Nil checkers are
// skipped.
func Run(ctx context.Context, checkers map[string]Checker, timeout time.Duration, logger *slog.Logger) Report {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := Report{Healthy: true, Checks: make(map[string]string, len(checkers))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, checker := range checkers {
		if checker == nil {
			continue
		}
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			status := StatusOK
			if err := checker.HealthCheck(ctx); err != nil {
				status = StatusError
				logger.WarnContext(ctx, "health check failed",
					slog.String("check", name),
					slog.String("error", err.Error()))
			}
			mu.Lock()
			defer mu.Unlock()
			report.Checks[name] = status
			if status != StatusOK {
				report.Healthy = false
			}
		}(name, checker)
	}
	wg.Wait()
	return report
}
