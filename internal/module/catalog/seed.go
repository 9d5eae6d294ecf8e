package catalog

import "github.com/lib/pq"

// Question types that plans can gate.
const (
	QuestionMultipleChoice = "multiple_choice"
	QuestionTrueFalse      = "true_false"
	QuestionShortAnswer    = "short_answer"
	QuestionFillBlank      = "fill_blank"
	QuestionMatching       = "matching"
	QuestionEssay          = "essay"
)

// Source document types that plans can gate.
const (
	DocText     = "txt"
	DocMarkdown = "md"
	DocPDF      = "pdf"
	DocWord     = "docx"
	DocSlides   = "pptx"
)

const (
	mib = int64(1) << 20
)

// DefaultPlans returns the built-in plan definitions. Stripe product
// and price IDs are filled in from configuration-managed rows in the
// database; these defaults seed a fresh installation.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:                   PlanStarter,
			Name:                 "Starter",
			TierRank:             0,
			MonthlyQuestionLimit: 50,
			AllowedQuestionTypes: pq.StringArray{QuestionMultipleChoice, QuestionTrueFalse},
			AllowedDocTypes:      pq.StringArray{DocText, DocMarkdown},
			MaxUploadBytes:       1 * mib,
		},
		{
			ID:                   PlanBasic,
			Name:                 "Basic",
			TierRank:             1,
			MonthlyQuestionLimit: 300,
			AllowedQuestionTypes: pq.StringArray{QuestionMultipleChoice, QuestionTrueFalse, QuestionShortAnswer},
			AllowedDocTypes:      pq.StringArray{DocText, DocMarkdown, DocPDF},
			MaxUploadBytes:       5 * mib,
			PriceMonthlyCents:    900,
			PriceYearlyCents:     9000,
			StripeProductID:      "prod_basic",
			StripePriceMonthlyID: "price_basic_monthly",
			StripePriceYearlyID:  "price_basic_yearly",
		},
		{
			ID:                   PlanEssentials,
			Name:                 "Essentials",
			TierRank:             2,
			MonthlyQuestionLimit: 1000,
			AllowedQuestionTypes: pq.StringArray{QuestionMultipleChoice, QuestionTrueFalse, QuestionShortAnswer, QuestionFillBlank},
			AllowedDocTypes:      pq.StringArray{DocText, DocMarkdown, DocPDF, DocWord},
			MaxUploadBytes:       10 * mib,
			PriceMonthlyCents:    1900,
			PriceYearlyCents:     19000,
			StripeProductID:      "prod_essentials",
			StripePriceMonthlyID: "price_essentials_monthly",
			StripePriceYearlyID:  "price_essentials_yearly",
		},
		{
			ID:                   PlanPlus,
			Name:                 "Plus",
			TierRank:             3,
			MonthlyQuestionLimit: 3000,
			AllowedQuestionTypes: pq.StringArray{QuestionMultipleChoice, QuestionTrueFalse, QuestionShortAnswer, QuestionFillBlank, QuestionMatching},
			AllowedDocTypes:      pq.StringArray{DocText, DocMarkdown, DocPDF, DocWord, DocSlides},
			MaxUploadBytes:       25 * mib,
			PriceMonthlyCents:    3900,
			PriceYearlyCents:     39000,
			StripeProductID:      "prod_plus",
			StripePriceMonthlyID: "price_plus_monthly",
			StripePriceYearlyID:  "price_plus_yearly",
		},
		{
			ID:                   PlanAdvanced,
			Name:                 "Advanced",
			TierRank:             4,
			MonthlyQuestionLimit: 10000,
			AllowedQuestionTypes: pq.StringArray{QuestionMultipleChoice, QuestionTrueFalse, QuestionShortAnswer, QuestionFillBlank, QuestionMatching, QuestionEssay},
			AllowedDocTypes:      pq.StringArray{DocText, DocMarkdown, DocPDF, DocWord, DocSlides},
			MaxUploadBytes:       50 * mib,
			PriceMonthlyCents:    7900,
			PriceYearlyCents:     79000,
			StripeProductID:      "prod_advanced",
			StripePriceMonthlyID: "price_advanced_monthly",
			StripePriceYearlyID:  "price_advanced_yearly",
		},
	}
}
