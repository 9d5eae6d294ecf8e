package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/module/access"
	"github.com/quizmith/server/internal/module/catalog"
	"github.com/quizmith/server/internal/module/quota"
	"github.com/quizmith/server/internal/shared/metrics"
)

// Result is a completed generation plus the quota state it left behind.
type Result struct {
	Questions []Question      `json:"questions"`
	Usage     *quota.Decision `json:"usage"`
}

// Service runs the full generation pipeline: plan gates, quota commit,
// model call, record. Quota is committed before the model call and
// returned if the call fails, so the ledger never counts questions that
// were not produced.
type Service struct {
	billing   quota.PlanStateProvider
	plans     *catalog.Catalog
	validator *access.Validator
	ledger    *quota.Ledger
	generator QuestionGenerator
	repo      Repository
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewService creates a generation service.
func NewService(
	billingSvc quota.PlanStateProvider,
	plans *catalog.Catalog,
	validator *access.Validator,
	ledger *quota.Ledger,
	generator QuestionGenerator,
	repo Repository,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		billing:   billingSvc,
		plans:     plans,
		validator: validator,
		ledger:    ledger,
		generator: generator,
		repo:      repo,
		metrics:   m,
		logger:    logger,
	}
}

// Generate produces questions for the user if their plan and quota
// allow it.
func (s *Service) Generate(ctx context.Context, userID uuid.UUID, req *GenerateRequest) (*Result, error) {
	state, err := s.billing.GetPlanState(ctx, userID)
	if err != nil {
		return nil, err
	}
	planID := state.PlanID
	if !state.Status.Usable() {
		planID = catalog.PlanStarter
	}
	plan, err := s.plans.Get(planID)
	if err != nil {
		return nil, fmt.Errorf("plan state references unknown plan %s: %w", planID, err)
	}

	if decision := s.validator.ValidateGeneration(plan, req.QuestionType, req.DocType, req.DocSizeBytes); !decision.Allowed {
		s.metrics.QuotaDenialsTotal.WithLabelValues(decision.Reason).Inc()
		return nil, &AccessError{Decision: decision}
	}

	usage, err := s.ledger.Commit(ctx, userID, req.QuestionType, req.Count)
	if err != nil {
		return nil, err
	}

	questions, err := s.generator.Generate(ctx, Prompt{
		QuestionType: req.QuestionType,
		Count:        req.Count,
		SourceText:   req.SourceText,
		Topic:        req.Topic,
	})
	if err != nil {
		if releaseErr := s.ledger.Release(ctx, userID, req.QuestionType, req.Count); releaseErr != nil {
			s.logger.Error("failed to return quota after generation failure",
				zap.String("user_id", userID.String()),
				zap.Error(releaseErr))
		}
		s.record(ctx, userID, req, 0, StatusFailed)
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	// The model may come up short; only count what it produced.
	if len(questions) < req.Count {
		if releaseErr := s.ledger.Release(ctx, userID, req.QuestionType, req.Count-len(questions)); releaseErr != nil {
			s.logger.Error("failed to return unused quota",
				zap.String("user_id", userID.String()),
				zap.Error(releaseErr))
		}
	}

	s.record(ctx, userID, req, len(questions), StatusCompleted)
	return &Result{Questions: questions, Usage: usage}, nil
}

// History returns the user's recent generation records.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

func (s *Service) record(ctx context.Context, userID uuid.UUID, req *GenerateRequest, produced int, status string) {
	rec := &Record{
		UserID:        userID,
		QuestionType:  req.QuestionType,
		DocType:       req.DocType,
		QuestionCount: produced,
		Model:         s.generator.Model(),
		Status:        status,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		s.logger.Error("failed to store generation record",
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

// IsAccessError reports whether err is a plan gate denial and returns
// the decision if so.
func IsAccessError(err error) (*AccessError, bool) {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return accessErr, true
	}
	return nil, false
}
