package health

import (
	"context"
	"time"
)

// ConnectionState is the broker connectivity surface the checker needs.
// Satisfied by rabbitmq.ConnectionManager.
type ConnectionState interface {
	IsConnected() bool
}

// BrokerChecker reports whether the broker connection is up.
type BrokerChecker struct {
	conn ConnectionState
}

// NewBrokerChecker creates a checker over the connection manager.
func NewBrokerChecker(conn ConnectionState) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Status: StatusHealthy}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected to broker"
	}

	result.Duration = time.Since(start)
	return result
}

// CheckFunc adapts a function into a named Checker, for process-specific
// probes like database pings.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string {
	return c.CheckName
}

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.CheckName, Status: StatusHealthy}

	if err := c.Fn(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}

	result.Duration = time.Since(start)
	return result
}
