package domain

import (
	"regexp"
)

var designNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Manifest describes a compilation job's inputs and tool-chain configuration
type Manifest struct {
	Design           string            `json:"design" binding:"required"`
	Target           string            `json:"target" binding:"required"`
	Mode             string            `json:"mode,omitempty" binding:"omitempty,oneof=asic fpga sim"`
	ToolChain        ToolChain         `json:"tool_chain" binding:"required"`
	Jobname          string            `json:"jobname,omitempty"`
	TimeLimitMinutes float64           `json:"time_limit_minutes,omitempty" binding:"gte=0"`
	Nodes            int               `json:"nodes,omitempty" binding:"gte=0"`
	MaxFSBytes       int64             `json:"max_fs_bytes,omitempty" binding:"gte=0"`
	Steps            []string          `json:"steps,omitempty"`
	Options          map[string]string `json:"options,omitempty"`
}

// ToolChain names the flow the remote side runs
type ToolChain struct {
	Flow    string `json:"flow" binding:"required"`
	Version string `json:"version,omitempty"`
}

// Check validates fields binding tags cannot express
func (m *Manifest) Check() error {
	if !designNamePattern.MatchString(m.Design) {
		return &ValidationError{Field: "design", Reason: "must be an identifier"}
	}
	if m.Jobname != "" && !designNamePattern.MatchString(m.Jobname) {
		return &ValidationError{Field: "jobname", Reason: "must be an identifier"}
	}
	for _, step := range m.Steps {
		if step == "" {
			return &ValidationError{Field: "steps", Reason: "empty step name"}
		}
	}
	return nil
}
