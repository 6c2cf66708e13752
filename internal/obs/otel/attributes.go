package otel

import "go.opentelemetry.io/otel/attribute"

// Attributes attached to every relay metric.
var (
	// AttrBackend is the backend variant (chat_completions or responses)
	AttrBackend = attribute.Key("llm.backend")

	// AttrModel is the model sent upstream after rewrite rules
	AttrModel = attribute.Key("llm.model")

	// AttrRequestModel is the model named by the client
	AttrRequestModel = attribute.Key("llm.request.model")

	// AttrTokenType is input or output
	AttrTokenType = attribute.Key("llm.token_type")

	AttrStreaming = attribute.Key("llm.streaming")

	// AttrResponseStatus is success, error or canceled
	AttrResponseStatus = attribute.Key("llm.response.status")

	// AttrErrorType is the Protocol-A error type when status is error
	AttrErrorType = attribute.Key("llm.error.type")
)
