package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ringops/ringway/internal/dispatch"
	"github.com/ringops/ringway/internal/evidence"
	"github.com/ringops/ringway/internal/gates"
	"github.com/ringops/ringway/internal/risk"
)

// policyFile is the on-disk YAML shape of the policy bundle.
type policyFile struct {
	RiskModel struct {
		Version string             `yaml:"version"`
		Factors map[string]float64 `yaml:"factors"`
	} `yaml:"risk_model"`

	Rings []gates.RingPolicy `yaml:"rings"`

	Evidence struct {
		RequiredFields []string `yaml:"required_fields"`
	} `yaml:"evidence"`

	Connectors []ConnectorPolicy `yaml:"connectors"`

	Retry struct {
		MaxAttempts int `yaml:"max_attempts"`
		BaseDelayMS int `yaml:"base_delay_ms"`
		MaxDelayMS  int `yaml:"max_delay_ms"`
	} `yaml:"retry"`

	Dispatch struct {
		PerConnectorConcurrency int `yaml:"per_connector_concurrency"`
	} `yaml:"dispatch"`

	Rollback struct {
		PollIntervalSeconds    int `yaml:"poll_interval_seconds"`
		ReconcileWindowSeconds int `yaml:"reconcile_window_seconds"`
		MaxRedispatches        int `yaml:"max_redispatches"`
	} `yaml:"rollback"`
}

// ConnectorPolicy declares one execution-plane backend in the policy bundle.
type ConnectorPolicy struct {
	Name string `yaml:"name"`
	// Type is "rest" or "memory" (dev fleet simulator).
	Type           string   `yaml:"type"`
	BaseURL        string   `yaml:"base_url,omitempty"`
	BearerTokenEnv string   `yaml:"bearer_token_env,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Devices        []string `yaml:"devices,omitempty"`
}

// Policy is the parsed, immutable policy snapshot. Reloads build a new Policy;
// a snapshot handed to an evaluation never changes under it.
type Policy struct {
	RiskModel               *risk.Model
	Rings                   []gates.RingPolicy
	EvidenceSchema          evidence.Schema
	Connectors              []ConnectorPolicy
	Retry                   dispatch.RetryPolicy
	PerConnectorConcurrency int
	RollbackPollInterval    time.Duration
	RollbackWindow          time.Duration
	RollbackMaxRedispatches int
}

// LoadPolicy reads and validates the policy bundle from disk.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	riskModel, err := risk.NewModel(pf.RiskModel.Version, pf.RiskModel.Factors)
	if err != nil {
		return nil, fmt.Errorf("risk model: %w", err)
	}
	if len(pf.Rings) == 0 {
		return nil, fmt.Errorf("policy: at least one ring required")
	}
	if _, err := gates.NewEvaluator(pf.Rings); err != nil {
		return nil, fmt.Errorf("ring policy: %w", err)
	}
	for i, c := range pf.Connectors {
		if c.Name == "" {
			return nil, fmt.Errorf("connector %d: name required", i)
		}
		switch c.Type {
		case "rest":
			if c.BaseURL == "" {
				return nil, fmt.Errorf("connector %s: base_url required for rest type", c.Name)
			}
		case "memory":
		default:
			return nil, fmt.Errorf("connector %s: unknown type %q", c.Name, c.Type)
		}
	}

	retry := dispatch.RetryPolicy{
		MaxAttempts: pf.Retry.MaxAttempts,
		BaseDelay:   time.Duration(pf.Retry.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(pf.Retry.MaxDelayMS) * time.Millisecond,
	}

	return &Policy{
		RiskModel:               riskModel,
		Rings:                   pf.Rings,
		EvidenceSchema:          evidence.Schema{RequiredFields: pf.Evidence.RequiredFields},
		Connectors:              pf.Connectors,
		Retry:                   retry,
		PerConnectorConcurrency: pf.Dispatch.PerConnectorConcurrency,
		RollbackPollInterval:    time.Duration(pf.Rollback.PollIntervalSeconds) * time.Second,
		RollbackWindow:          time.Duration(pf.Rollback.ReconcileWindowSeconds) * time.Second,
		RollbackMaxRedispatches: pf.Rollback.MaxRedispatches,
	}, nil
}

// PolicyProvider hands out the current policy snapshot and hot-reloads it
// when the file changes. Evaluations take a snapshot once and never observe a
// mid-evaluation swap.
type PolicyProvider struct {
	path string

	mu      sync.RWMutex
	current *Policy
}

func NewPolicyProvider(path string) (*PolicyProvider, error) {
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	return &PolicyProvider{path: path, current: p}, nil
}

// Current returns the active policy snapshot.
func (pp *PolicyProvider) Current() *Policy {
	pp.mu.RLock()
	defer pp.mu.RUnlock()
	return pp.current
}

// Reload re-reads the policy file and swaps the snapshot. A parse or
// validation failure keeps the previous snapshot active.
func (pp *PolicyProvider) Reload() error {
	p, err := LoadPolicy(pp.path)
	if err != nil {
		return err
	}
	pp.mu.Lock()
	pp.current = p
	pp.mu.Unlock()
	return nil
}

// Watch reloads the policy when the file changes, until ctx is done. Editors
// and config rollouts often replace the file, so the parent directory is
// watched and events are filtered by name.
func (pp *PolicyProvider) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	dir := filepath.Dir(pp.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(pp.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := pp.Reload(); err != nil {
					log.Printf("[config] policy reload failed, keeping previous snapshot: %v", err)
				} else {
					log.Printf("[config] policy reloaded from %s", pp.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[config] policy watcher error: %v", err)
			}
		}
	}()
	return nil
}
