// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is one of closed/open/half-open.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls the breaker guarding app-server subprocess
// spawns (§4.3's "N subprocesses" is a capacity bound; this protects against
// spawning into a broken binary or missing tool-server config).
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker wraps app-server spawn attempts so a misconfigured or
// crash-looping binary fails fast instead of blocking every task routed to
// it for the full process-start timeout.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	successCount     int
	consecutiveOpens int
	lastFailureTime  time.Time
	config           CircuitBreakerConfig
	logger           *zap.Logger
}

func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{state: StateClosed, config: config, logger: logger}
}

// Execute runs operation if the breaker permits it, and records the result.
func (cb *CircuitBreaker) Execute(operation func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := operation()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		timeout := cb.calculateTimeoutLocked()
		if time.Since(cb.lastFailureTime) >= timeout {
			cb.state = StateHalfOpen
			cb.logger.Info("app server circuit half-open", zap.Duration("timeout", timeout))
			return nil
		}
		remaining := timeout - time.Since(cb.lastFailureTime)
		return fmt.Errorf("circuit breaker open: app server spawn failing, retry after %v", remaining)
	case StateHalfOpen:
		return nil
	default:
		return fmt.Errorf("unknown circuit breaker state: %v", cb.state)
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.onSuccessLocked()
	} else {
		cb.onFailureLocked(err)
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			cb.consecutiveOpens = 0
			cb.state = StateClosed
			cb.logger.Info("app server circuit closed")
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked(err error) {
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.consecutiveOpens++
			cb.state = StateOpen
			cb.logger.Error("app server circuit opened", zap.Error(err), zap.Int("failures", cb.failureCount))
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successCount = 0
		cb.logger.Warn("app server circuit reopened during half-open probe", zap.Error(err))
	}
}

func (cb *CircuitBreaker) calculateTimeoutLocked() time.Duration {
	timeout := cb.config.Timeout
	for i := 0; i < cb.consecutiveOpens && i < 5; i++ {
		timeout *= 2
	}
	const maxTimeout = 10 * time.Minute
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	return timeout
}
