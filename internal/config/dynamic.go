package config

import (
	"errors"
	"sync"
)

var ErrInvalidPolicy = errors.New("requests per minute must be positive")

// PolicyConfig holds limits that can change without a restart
type PolicyConfig struct {
	DefaultRequestsPerMinute int `json:"default_requests_per_minute"`
}

// DynamicConfigManager manages thread-safe config updates
type DynamicConfigManager struct {
	mu     sync.RWMutex
	policy PolicyConfig
}

func NewDynamicConfigManager(requestsPerMinute int) *DynamicConfigManager {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 10
	}
	return &DynamicConfigManager{
		policy: PolicyConfig{DefaultRequestsPerMinute: requestsPerMinute},
	}
}

func (m *DynamicConfigManager) GetPolicy() PolicyConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

func (m *DynamicConfigManager) UpdatePolicy(newPolicy PolicyConfig) error {
	if newPolicy.DefaultRequestsPerMinute <= 0 {
		return ErrInvalidPolicy
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = newPolicy
	return nil
}
