package orchestrator

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
)

// Estimate is the provisional cost of a manifest
type Estimate struct {
	TimeLimitMinutes int
	Nodes            int
	Minutes          float64
}

// Estimate applies quota limits to m and computes its worst-case cost. The
// manifest is updated in place with the effective time limit and node count.
func (s *Service) Estimate(m *domain.Manifest) (Estimate, error) {
	limit := int(math.Ceil(m.TimeLimitMinutes))
	if limit <= 0 {
		limit = s.config.DefaultTimeLimit
	}
	if s.config.MaxTimeLimit > 0 && limit > s.config.MaxTimeLimit {
		return Estimate{}, &domain.ValidationError{
			Field:  "time_limit_minutes",
			Reason: fmt.Sprintf("must not exceed %d", s.config.MaxTimeLimit),
		}
	}

	nodes := m.Nodes
	if nodes <= 0 {
		nodes = 1
	}
	if s.config.MaxNodes > 0 && nodes > s.config.MaxNodes {
		return Estimate{}, &domain.ValidationError{
			Field:  "nodes",
			Reason: fmt.Sprintf("must not exceed %d", s.config.MaxNodes),
		}
	}

	m.TimeLimitMinutes = float64(limit)
	m.Nodes = nodes

	return Estimate{
		TimeLimitMinutes: limit,
		Nodes:            nodes,
		Minutes:          float64(limit * nodes),
	}, nil
}

// Cost converts scheduler elapsed time into billed minutes, capped at the estimate
func Cost(elapsed time.Duration, nodes int, estimate float64) float64 {
	if nodes <= 0 {
		nodes = 1
	}
	cost := elapsed.Minutes() * float64(nodes)
	if cost < 0 {
		return 0
	}
	return math.Min(cost, estimate)
}

// DecodeManifest parses the manifest stored on a job
func DecodeManifest(job *domain.Job) (*domain.Manifest, error) {
	var m domain.Manifest
	if err := json.Unmarshal([]byte(job.Manifest), &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest of job %s: %w", job.JobID, err)
	}
	return &m, nil
}
