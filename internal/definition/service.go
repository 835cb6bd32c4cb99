package definition

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/pitabwire/flowdesk/model"
)

// Service owns the definition lifecycle: drafts, validated activation,
// archival and the compiled graphs the engine executes.
type Service struct {
	store     Store
	registry  *Registry
	validator *Validator
	logger    *zap.Logger
	now       func() time.Time

	// Serializes lifecycle changes so one key never has two active versions.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	compiled map[versionKey]*Graph
}

// NewService creates a definition service.
func NewService(store Store, registry *Registry, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		validator: NewValidator(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		compiled:  make(map[versionKey]*Graph),
	}
}

// SetClock overrides the time source. For testing.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Validator returns the validator used for activation.
func (s *Service) Validator() *Validator {
	return s.validator
}

// Submit stores a new version of def for the caller's tenant. With activate
// set the version is validated first and becomes the active version of its
// key; an invalid definition is rejected with VALIDATION_ERROR and nothing is
// stored. Without activate the version is kept as a draft.
func (s *Service) Submit(ctx context.Context, rctx *model.RequestContext, def model.WorkflowDefinition, activate bool) (model.WorkflowDefinition, error) {
	if def.Key == "" {
		def.Key = Slug(def.Name)
	}
	def.TenantID = rctx.TenantID
	def.CreatedBy = rctx.SubjectID
	def.Stats = model.ExecutionStats{}

	if activate {
		if errs := s.validator.Validate(def); len(errs) > 0 {
			return model.WorkflowDefinition{}, model.NewValidationError(FieldErrors(errs))
		}
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	latest, err := s.store.LatestVersion(ctx, def.TenantID, def.Key)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("latest version of %q: %w", def.Key, err)
	}
	def.Version = latest + 1
	def.ID = model.VersionID(def.Key, def.Version)
	def.Status = model.DefinitionDraft
	def.CreatedAt = s.now()
	def.PublishedAt = nil

	if err := s.store.Create(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	if !activate {
		s.logger.Info("definition draft stored", zap.String("definition_id", def.ID))
		return def, nil
	}
	return s.activate(ctx, def)
}

// Activate validates a stored draft and makes it the active version of its
// key. A draft failing validation stays a draft.
func (s *Service) Activate(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	def, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if def.Status != model.DefinitionDraft {
		return model.WorkflowDefinition{}, model.NewConflictError(
			fmt.Sprintf("definition %q is %s, only drafts can be activated", id, def.Status),
		)
	}
	if errs := s.validator.Validate(def); len(errs) > 0 {
		return model.WorkflowDefinition{}, model.NewValidationError(FieldErrors(errs))
	}
	return s.activate(ctx, def)
}

// activate archives the previously active version of the key and activates
// def, which must already be valid. Callers hold the lifecycle lock.
func (s *Service) activate(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	previous, err := s.store.List(ctx, def.TenantID, Filters{Key: def.Key, Status: model.DefinitionActive})
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("list active versions of %q: %w", def.Key, err)
	}
	var retired []string
	for _, p := range previous {
		if p.ID == def.ID {
			continue
		}
		p.Status = model.DefinitionArchived
		if err := s.store.UpdateStatus(ctx, p); err != nil {
			return model.WorkflowDefinition{}, fmt.Errorf("archive %q: %w", p.ID, err)
		}
		retired = append(retired, p.ID)
	}

	now := s.now()
	def.Status = model.DefinitionActive
	def.PublishedAt = &now
	if err := s.store.UpdateStatus(ctx, def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("activate %q: %w", def.ID, err)
	}

	g, errs := s.validator.Compile(def)
	if len(errs) > 0 {
		return model.WorkflowDefinition{}, model.NewValidationError(FieldErrors(errs))
	}
	s.cache(g)
	s.registry.Put(g, retired...)

	s.logger.Info("definition activated",
		zap.String("definition_id", def.ID),
		zap.Strings("archived", retired),
		zap.Int("triggers", len(g.Triggers())),
	)
	return def, nil
}

// Archive retires a definition version. Runs already started keep executing
// against it; no new runs start from it.
func (s *Service) Archive(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	def, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if def.Status == model.DefinitionArchived {
		return def, nil
	}
	def.Status = model.DefinitionArchived
	if err := s.store.UpdateStatus(ctx, def); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("archive %q: %w", id, err)
	}
	s.registry.Remove(tenantID, id)
	s.logger.Info("definition archived", zap.String("definition_id", id))
	return def, nil
}

// Get returns one definition version.
func (s *Service) Get(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	return s.store.Get(ctx, tenantID, id)
}

// List returns a tenant's definitions.
func (s *Service) List(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error) {
	return s.store.List(ctx, tenantID, filters)
}

// Match returns the active entry points for eventType.
func (s *Service) Match(tenantID, eventType string) []TriggerRef {
	return s.registry.Match(tenantID, eventType)
}

// Active returns the active graph of a definition version, or
// DEFINITION_NOT_ACTIVE.
func (s *Service) Active(ctx context.Context, tenantID, id string) (*Graph, error) {
	if g, ok := s.registry.Get(tenantID, id); ok {
		return g, nil
	}
	def, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return nil, model.NewDefinitionNotActiveError(id, def.Status)
}

// Graph returns the compiled graph of any stored version. Runs keep
// executing against the version they started from, even after archival.
func (s *Service) Graph(ctx context.Context, tenantID, id string) (*Graph, error) {
	s.mu.RLock()
	g, ok := s.compiled[versionKey{tenant: tenantID, id: id}]
	s.mu.RUnlock()
	if ok {
		return g, nil
	}

	def, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	g, errs := s.validator.Compile(def)
	if len(errs) > 0 {
		return nil, model.NewValidationError(FieldErrors(errs))
	}
	s.cache(g)
	return g, nil
}

func (s *Service) cache(g *Graph) {
	s.mu.Lock()
	s.compiled[keyOf(g)] = g
	s.mu.Unlock()
}

// RecordOutcome counts a terminal run against its definition version.
func (s *Service) RecordOutcome(ctx context.Context, tenantID, id string, status model.RunStatus) error {
	return s.store.RecordOutcome(ctx, tenantID, id, status)
}

// Refresh rebuilds the registry from the store's active definitions. A stored
// active definition that no longer compiles is skipped and logged.
func (s *Service) Refresh(ctx context.Context) error {
	defs, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active definitions: %w", err)
	}
	graphs := make([]*Graph, 0, len(defs))
	for _, def := range defs {
		g, errs := s.validator.Compile(def)
		if len(errs) > 0 {
			s.logger.Error("active definition failed validation",
				zap.String("definition_id", def.ID),
				zap.Int("errors", len(errs)),
				zap.String("first_error", errs[0].Error()),
			)
			continue
		}
		s.cache(g)
		graphs = append(graphs, g)
	}
	s.registry.Replace(graphs)
	s.logger.Info("definition registry refreshed",
		zap.Int("active", len(graphs)),
		zap.String("checksum", s.registry.Checksum()),
	)
	return nil
}

// Seed publishes definition documents for a tenant. A key that already has a
// stored version is left alone, so restarts do not create new versions.
func (s *Service) Seed(ctx context.Context, rctx *model.RequestContext, defs []model.WorkflowDefinition) (int, error) {
	published := 0
	for _, def := range defs {
		key := def.Key
		if key == "" {
			key = Slug(def.Name)
		}
		latest, err := s.store.LatestVersion(ctx, rctx.TenantID, key)
		if err != nil {
			return published, fmt.Errorf("latest version of %q: %w", key, err)
		}
		if latest > 0 {
			continue
		}
		if _, err := s.Submit(ctx, rctx, def, true); err != nil {
			return published, fmt.Errorf("seed %q: %w", key, err)
		}
		published++
	}
	return published, nil
}

// Slug derives a definition key from a display name.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
