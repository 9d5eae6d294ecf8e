package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizmith/server/internal/module/catalog"
)

func testPlans(t *testing.T) (*catalog.Catalog, *Validator) {
	t.Helper()
	cat := catalog.New(catalog.DefaultPlans())
	return cat, NewValidator(cat)
}

func mustPlan(t *testing.T, cat *catalog.Catalog, id string) *catalog.Plan {
	t.Helper()
	plan, err := cat.Get(id)
	require.NoError(t, err)
	return plan
}

func TestCanUseQuestionType(t *testing.T) {
	cat, v := testPlans(t)
	starter := mustPlan(t, cat, catalog.PlanStarter)
	advanced := mustPlan(t, cat, catalog.PlanAdvanced)

	t.Run("starter denied essay", func(t *testing.T) {
		d := v.CanUseQuestionType(starter, catalog.QuestionEssay)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonPlanRestriction, d.Reason)
	})

	t.Run("starter allowed multiple choice", func(t *testing.T) {
		d := v.CanUseQuestionType(starter, catalog.QuestionMultipleChoice)
		assert.True(t, d.Allowed)
		assert.Empty(t, d.Reason)
	})

	t.Run("advanced allowed essay", func(t *testing.T) {
		assert.True(t, v.CanUseQuestionType(advanced, catalog.QuestionEssay).Allowed)
	})

	t.Run("unknown type denied everywhere", func(t *testing.T) {
		d := v.CanUseQuestionType(advanced, "haiku")
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonUnknownValue, d.Reason)
	})
}

func TestCanUseDocType(t *testing.T) {
	cat, v := testPlans(t)
	starter := mustPlan(t, cat, catalog.PlanStarter)
	plus := mustPlan(t, cat, catalog.PlanPlus)

	assert.False(t, v.CanUseDocType(starter, catalog.DocPDF).Allowed)
	assert.True(t, v.CanUseDocType(starter, catalog.DocText).Allowed)
	assert.True(t, v.CanUseDocType(plus, catalog.DocSlides).Allowed)

	d := v.CanUseDocType(plus, "csv")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUnknownValue, d.Reason)
}

func TestCanUploadSize(t *testing.T) {
	cat, v := testPlans(t)
	starter := mustPlan(t, cat, catalog.PlanStarter)

	assert.True(t, v.CanUploadSize(starter, 512*1024).Allowed)
	assert.True(t, v.CanUploadSize(starter, starter.MaxUploadBytes).Allowed)

	d := v.CanUploadSize(starter, starter.MaxUploadBytes+1)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonUploadTooLarge, d.Reason)

	assert.False(t, v.CanUploadSize(starter, 0).Allowed)
	assert.False(t, v.CanUploadSize(starter, -5).Allowed)
}

func TestValidateGeneration(t *testing.T) {
	cat, v := testPlans(t)
	basic := mustPlan(t, cat, catalog.PlanBasic)

	t.Run("passes all gates", func(t *testing.T) {
		d := v.ValidateGeneration(basic, catalog.QuestionShortAnswer, catalog.DocPDF, 1024)
		assert.True(t, d.Allowed)
	})

	t.Run("no document skips doc gates", func(t *testing.T) {
		d := v.ValidateGeneration(basic, catalog.QuestionTrueFalse, "", 0)
		assert.True(t, d.Allowed)
	})

	t.Run("question gate first", func(t *testing.T) {
		d := v.ValidateGeneration(basic, catalog.QuestionEssay, catalog.DocPDF, 1024)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonPlanRestriction, d.Reason)
	})

	t.Run("oversize document denied", func(t *testing.T) {
		d := v.ValidateGeneration(basic, catalog.QuestionTrueFalse, catalog.DocPDF, basic.MaxUploadBytes+1)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonUploadTooLarge, d.Reason)
	})
}
