package flow

import (
	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/claim"
	"github.com/marmos91/edgeflow/pkg/store/content"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// Repositories bundles the stores a session works against. Sessions only
// read the handles; they never replace them.
type Repositories struct {
	FlowFiles repository.Repository
	Content   content.Store
	Claims    *claim.Manager
}

// ProcessContext is what a processing unit receives when it is triggered.
type ProcessContext struct {
	UnitID       string
	Registry     *Registry
	Repositories Repositories
	Logger       *logger.Logger
}

// NewProcessContext returns the context of unit.
func NewProcessContext(unit string, reg *Registry, repos Repositories, log *logger.Logger) *ProcessContext {
	return &ProcessContext{
		UnitID:       unit,
		Registry:     reg,
		Repositories: repos,
		Logger:       log.With(unit),
	}
}

// ShouldYield reports whether the unit is under backpressure.
func (pc *ProcessContext) ShouldYield() bool {
	return pc.Registry.ShouldYield(pc.UnitID)
}
