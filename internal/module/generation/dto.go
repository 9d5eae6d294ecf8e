package generation

// GenerateRequest asks for a batch of questions.
type GenerateRequest struct {
	QuestionType string `json:"question_type" binding:"required"`
	Count        int    `json:"count" binding:"required,min=1,max=50"`
	Topic        string `json:"topic" binding:"omitempty,max=200"`
	SourceText   string `json:"source_text" binding:"omitempty"`
	DocType      string `json:"doc_type" binding:"omitempty"`
	DocSizeBytes int64  `json:"doc_size_bytes" binding:"omitempty,min=0"`
}
