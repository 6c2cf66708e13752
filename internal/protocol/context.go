package protocol

// TranslationContext is the per-request configuration snapshot shared by the
// request mapper, the response mapper and the stream reconstructor. It is
// built once at request entry and only read afterwards.
type TranslationContext struct {
	// RequestModel is the model name the client asked for; responses echo it.
	RequestModel string
	// TargetModel is the backend model after rewrite rules.
	TargetModel string

	MaxTokens     *int
	StopSequences []string
	System        string
	Variant       Variant
	Tools         []Tool
	Stream        bool

	// InputTokens is the pre-flight estimate reported in message_start.
	InputTokens int64
}

// NewTranslationContext snapshots the parts of req the translators need.
func NewTranslationContext(req *MessagesRequest, variant Variant, targetModel string, inputTokens int) *TranslationContext {
	if targetModel == "" {
		targetModel = req.Model
	}
	tc := &TranslationContext{
		RequestModel: req.Model,
		TargetModel:  targetModel,
		System:       req.System.Text(),
		Variant:      variant,
		Stream:       req.Stream,
		InputTokens:  int64(inputTokens),
	}
	if req.MaxTokens != nil {
		v := *req.MaxTokens
		tc.MaxTokens = &v
	}
	if len(req.StopSequences) > 0 {
		tc.StopSequences = append([]string(nil), req.StopSequences...)
	}
	if len(req.Tools) > 0 {
		tc.Tools = append([]Tool(nil), req.Tools...)
	}
	return tc
}

// HasTool reports whether a tool with the given name was declared.
func (tc *TranslationContext) HasTool(name string) bool {
	for _, t := range tc.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
