// Package cpconfig loads the project's config.yaml and topology.yaml.
// Both files are produced and owned externally (by whatever set up the
// project); the engine only reads them, primarily to learn known agent
// ids and role bindings for the inbox's topology and role-validation
// checks.
package cpconfig

import (
	goyaml "github.com/goccy/go-yaml"

	"github.com/command-post/engine/internal/cpfs"
	cperrors "github.com/command-post/engine/pkg/errors"
	"github.com/command-post/engine/pkg/util"
)

// AgentBinding is one agent's entry in topology.yaml.
type AgentBinding struct {
	Role   string `yaml:"role"`
	Domain string `yaml:"domain"`
}

// Topology maps agent id to its role/domain binding.
type Topology map[string]AgentBinding

// Config carries the engine's tunable knobs. Each field starts from the
// environment variable its env tag names, or from its default tag when
// that variable is unset or invalid, floored at its min tag;
// config.yaml, when present, overrides whichever fields it sets.
type Config struct {
	OrchestratorID          string  `yaml:"orchestratorId" env:"COMMAND_POST_ORCHESTRATOR_ID" default:"orchestrator"`
	MinQualityScore         float64 `yaml:"minQualityScore" env:"COMMAND_POST_MIN_QUALITY_SCORE" default:"0.7" min:"0"`
	MaxSnapshotRetries      int     `yaml:"maxSnapshotRetries" env:"COMMAND_POST_MAX_SNAPSHOT_RETRIES" default:"3" min:"0"`
	LateralMessagingEnabled bool    `yaml:"lateralMessagingEnabled" env:"COMMAND_POST_LATERAL_MESSAGING_ENABLED" default:"false"`
}

// LoadTopology reads topology.yaml. A missing file yields an empty
// Topology, not an error — a project that hasn't configured one yet
// simply disables the topology check.
func LoadTopology(paths *cpfs.Paths) (Topology, error) {
	data, err := cpfs.ReadOrEmpty(paths.Topology())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return Topology{}, nil
	}
	var t Topology
	if err := goyaml.Unmarshal(data, &t); err != nil {
		return nil, cperrors.Wrap(err, "cpconfig.LoadTopology", "unmarshal topology.yaml")
	}
	if t == nil {
		t = Topology{}
	}
	return t, nil
}

// LoadConfig populates Config from its env tags, then overlays
// config.yaml where present. A missing file leaves the env-derived
// defaults in place, not an error.
func LoadConfig(paths *cpfs.Paths) (Config, error) {
	var c Config
	util.LoadFromEnv(&c)

	data, err := cpfs.ReadOrEmpty(paths.Config())
	if err != nil {
		return Config{}, err
	}
	if data == nil {
		return c, nil
	}
	if err := goyaml.Unmarshal(data, &c); err != nil {
		return Config{}, cperrors.Wrap(err, "cpconfig.LoadConfig", "unmarshal config.yaml")
	}
	return c, nil
}

// KnownAgentIDs returns the set of agent ids topology.yaml names, for
// use as inbox.SendOptions.KnownAgentIDs. An empty topology yields nil,
// which leaves the inbox's unknown-recipient check off.
func (t Topology) KnownAgentIDs() map[string]struct{} {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(t))
	for id := range t {
		out[id] = struct{}{}
	}
	return out
}

// RoleOf resolves agentID's role from the topology, for use as
// inbox.SendOptions.RoleOf.
func (t Topology) RoleOf(agentID string) (string, bool) {
	binding, ok := t[agentID]
	if !ok {
		return "", false
	}
	return binding.Role, true
}
