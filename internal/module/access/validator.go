// Package access decides whether a plan permits an operation. Every
// check is a pure function of the plan and the request; nothing here
// reads state or talks to the network, so callers can check as often as
// they like.
package access

import (
	"fmt"

	"github.com/quizmith/server/internal/module/catalog"
)

// Denial reasons attached to refused decisions.
const (
	ReasonPlanRestriction = "plan_restriction"
	ReasonUploadTooLarge  = "upload_too_large"
	ReasonUnknownValue    = "unknown_value"
)

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// Validator checks plan entitlements.
type Validator struct {
	plans *catalog.Catalog
}

// NewValidator creates an access validator over the plan catalog.
func NewValidator(plans *catalog.Catalog) *Validator {
	return &Validator{plans: plans}
}

// CanUseQuestionType reports whether the plan may generate the given
// question type.
func (v *Validator) CanUseQuestionType(plan *catalog.Plan, questionType string) Decision {
	if !knownQuestionType(questionType) {
		return deny(ReasonUnknownValue, fmt.Sprintf("unknown question type %q", questionType))
	}
	if !plan.AllowsQuestionType(questionType) {
		return deny(ReasonPlanRestriction,
			fmt.Sprintf("plan %s does not include %s questions", plan.ID, questionType))
	}
	return allow()
}

// CanUseDocType reports whether the plan may ingest the given source
// document type.
func (v *Validator) CanUseDocType(plan *catalog.Plan, docType string) Decision {
	if !knownDocType(docType) {
		return deny(ReasonUnknownValue, fmt.Sprintf("unknown document type %q", docType))
	}
	if !plan.AllowsDocType(docType) {
		return deny(ReasonPlanRestriction,
			fmt.Sprintf("plan %s does not accept %s documents", plan.ID, docType))
	}
	return allow()
}

// CanUploadSize reports whether the plan accepts an upload of the given
// size in bytes.
func (v *Validator) CanUploadSize(plan *catalog.Plan, sizeBytes int64) Decision {
	if sizeBytes <= 0 {
		return deny(ReasonUnknownValue, "upload size must be positive")
	}
	if sizeBytes > plan.MaxUploadBytes {
		return deny(ReasonUploadTooLarge,
			fmt.Sprintf("upload of %d bytes exceeds plan limit of %d", sizeBytes, plan.MaxUploadBytes))
	}
	return allow()
}

// ValidateGeneration runs every gate a generation request must pass:
// question type, document type if a source document is attached, and
// its size.
func (v *Validator) ValidateGeneration(plan *catalog.Plan, questionType, docType string, docSizeBytes int64) Decision {
	if d := v.CanUseQuestionType(plan, questionType); !d.Allowed {
		return d
	}
	if docType != "" {
		if d := v.CanUseDocType(plan, docType); !d.Allowed {
			return d
		}
		if d := v.CanUploadSize(plan, docSizeBytes); !d.Allowed {
			return d
		}
	}
	return allow()
}

func knownQuestionType(questionType string) bool {
	switch questionType {
	case catalog.QuestionMultipleChoice, catalog.QuestionTrueFalse,
		catalog.QuestionShortAnswer, catalog.QuestionFillBlank,
		catalog.QuestionMatching, catalog.QuestionEssay:
		return true
	default:
		return false
	}
}

func knownDocType(docType string) bool {
	switch docType {
	case catalog.DocText, catalog.DocMarkdown, catalog.DocPDF,
		catalog.DocWord, catalog.DocSlides:
		return true
	default:
		return false
	}
}
