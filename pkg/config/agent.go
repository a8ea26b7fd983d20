package config

import (
	"os"

	"deckhand/pkg/agent"
)

// DefaultAgentEnv is the optional environment file read by the agent.
const DefaultAgentEnv = "/etc/deckhand/agent.env"

// Agent is the node agent configuration, read from the environment.
type Agent struct {
	NodeName      string // empty accepts commands for any node name
	StatePath     string
	CommandSecret string
}

// LoadAgent reads envFile when it exists, then the environment.
func LoadAgent(envFile string) (*Agent, error) {
	if envFile == "" {
		envFile = DefaultAgentEnv
	}
	if err := loadEnvFiles(envFile); err != nil {
		return nil, err
	}
	cfg := &Agent{
		NodeName:      os.Getenv("DECKHAND_NODE_NAME"),
		StatePath:     os.Getenv("DECKHAND_STATE_DB"),
		CommandSecret: os.Getenv("DECKHAND_COMMAND_SECRET"),
	}
	if cfg.StatePath == "" {
		cfg.StatePath = agent.DefaultStatePath
	}
	return cfg, nil
}
