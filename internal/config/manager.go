package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// ScenariosConfig holds a map of named run configurations that override
// the global Simulation/Output/Transport fields, e.g. "s2-optimistic" or
// "s5-cloning-enabled" for the scenarios a run might be launched under.
type ScenariosConfig struct {
	Scenarios map[string]Config `yaml:"scenarios"`
}

// Manager handles dynamic configuration resolution across named scenario
// profiles layered on top of a single global config.
type Manager struct {
	globalConfig    *Config
	scenarioConfigs map[string]Config
	mu              sync.RWMutex
}

// NewManager loads both the master config and the scenario-profile overrides.
func NewManager(masterPath, scenariosPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(scenariosPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, scenarioConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var sc ScenariosConfig
	if err := yaml.NewDecoder(f).Decode(&sc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:    master,
		scenarioConfigs: sc.Scenarios,
	}, nil
}

// Get returns the effective config for a named scenario profile, merging
// its overrides on top of the global config. An unknown profileID returns
// the global config unchanged.
func (m *Manager) Get(profileID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	override, ok := m.scenarioConfigs[profileID]
	if !ok {
		return &effective
	}

	if override.Simulation.NumPE != 0 {
		effective.Simulation.NumPE = override.Simulation.NumPE
	}
	if override.Simulation.LPsPerPE != 0 {
		effective.Simulation.LPsPerPE = override.Simulation.LPsPerPE
	}
	if override.Simulation.Lookahead != 0 {
		effective.Simulation.Lookahead = override.Simulation.Lookahead
	}
	if override.Simulation.SynchMode != 0 {
		effective.Simulation.SynchMode = override.Simulation.SynchMode
	}
	if override.Simulation.GVTInterval != 0 {
		effective.Simulation.GVTInterval = override.Simulation.GVTInterval
	}
	if override.Simulation.EventsPerPE != 0 {
		effective.Simulation.EventsPerPE = override.Simulation.EventsPerPE
	}
	if override.Simulation.EndTime != 0 {
		effective.Simulation.EndTime = override.Simulation.EndTime
	}
	if override.Simulation.CloningEnabled {
		effective.Simulation.CloningEnabled = true
	}
	if override.Simulation.BaseSeed != 0 {
		effective.Simulation.BaseSeed = override.Simulation.BaseSeed
	}

	if override.Transport.Backend != "" {
		effective.Transport = override.Transport
	}

	if override.Output.Dir != "" || override.Output.Store != "" {
		effective.Output = override.Output
	}

	if override.Monitoring.LatencyAlertMs != 0 {
		effective.Monitoring = override.Monitoring
	}

	return &effective
}
