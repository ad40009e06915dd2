// Package registry provides the static catalog of agent capabilities.
// The catalog is loaded from a YAML file at startup and optionally
// hot-reloaded when the file changes.
package registry

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/convoyhq/convoy/pkg/models"
)

// Registry is the read-only catalog of agent/tool definitions. Lookups are
// pure functions of the loaded snapshot; reloads swap the snapshot atomically.
type Registry struct {
	mu      sync.RWMutex
	path    string
	byAgent map[string][]models.AgentCapability
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// catalogFile is the YAML shape of the capability catalog.
type catalogFile struct {
	Capabilities []models.AgentCapability `yaml:"capabilities"`
}

// Load reads the catalog file at path and builds a registry from it.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, done: make(chan struct{})}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// FromCapabilities builds a registry directly from capability definitions,
// used by tests and the registry CLI.
func FromCapabilities(caps []models.AgentCapability) *Registry {
	r := &Registry{done: make(chan struct{})}
	r.byAgent = groupByAgent(caps)
	return r
}

// reload parses the catalog file and swaps the snapshot.
func (r *Registry) reload() error {
	content, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	if err := validate(file.Capabilities); err != nil {
		return err
	}

	byAgent := groupByAgent(file.Capabilities)

	r.mu.Lock()
	r.byAgent = byAgent
	r.mu.Unlock()
	return nil
}

// validate checks catalog entries for required fields and coherent policy.
func validate(caps []models.AgentCapability) error {
	seen := make(map[string]bool)
	for _, c := range caps {
		if c.AgentName == "" || c.ToolName == "" {
			return fmt.Errorf("catalog entry missing agent_name or tool_name")
		}
		key := c.AgentName + "/" + c.ToolName
		if seen[key] {
			return fmt.Errorf("duplicate catalog entry %s", key)
		}
		seen[key] = true
		if !c.RiskLevel.Valid() {
			return fmt.Errorf("catalog entry %s has unknown risk_level %q", key, c.RiskLevel)
		}
		if c.RequiresDraft != "" && c.RiskLevel != models.RiskHigh {
			return fmt.Errorf("catalog entry %s requires a draft but is not high risk", key)
		}
	}
	return nil
}

func groupByAgent(caps []models.AgentCapability) map[string][]models.AgentCapability {
	byAgent := make(map[string][]models.AgentCapability)
	for _, c := range caps {
		byAgent[c.AgentName] = append(byAgent[c.AgentName], c)
	}
	return byAgent
}

// Lookup returns capabilities for each requested agent. Unknown agent names
// yield no entry rather than an error; callers decide how to treat misses.
func (r *Registry) Lookup(agentNames []string) map[string][]models.AgentCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string][]models.AgentCapability)
	for _, name := range agentNames {
		if caps, ok := r.byAgent[name]; ok {
			result[name] = append([]models.AgentCapability(nil), caps...)
		}
	}
	return result
}

// Find resolves the capability for one (agent, tool) pair.
func (r *Registry) Find(agentName, toolName string) (models.AgentCapability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.byAgent[agentName] {
		if c.ToolName == toolName {
			return c, true
		}
	}
	return models.AgentCapability{}, false
}

// AgentNames returns all known agent names, sorted.
func (r *Registry) AgentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byAgent))
	for name := range r.byAgent {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every capability in the catalog, grouped by agent.
func (r *Registry) All() map[string][]models.AgentCapability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string][]models.AgentCapability, len(r.byAgent))
	for name, caps := range r.byAgent {
		result[name] = append([]models.AgentCapability(nil), caps...)
	}
	return result
}

// Watch starts watching the catalog file and reloads it on writes.
// A failed reload keeps the previous snapshot.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the parent directory so editor rename-and-replace saves are seen.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch catalog dir: %w", err)
	}

	r.watcher = watcher
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				log.Printf("[registry] reload failed, keeping previous catalog: %v", err)
				continue
			}
			log.Printf("[registry] catalog reloaded from %s", r.path)
		case <-r.watcher.Errors:
			// Keep watching.
		}
	}
}

// Close stops the watcher, if one was started.
func (r *Registry) Close() {
	close(r.done)
	if r.watcher != nil {
		r.watcher.Close()
	}
}
