package token

// StreamCounter keeps the running usage of one streaming response. Output is
// estimated incrementally from every forwarded delta until the backend
// reports authoritative usage, which then replaces the estimate.
//
// It is owned by a single stream and is not safe for concurrent use.
type StreamCounter struct {
	counter      *Counter
	inputTokens  int
	outputTokens int
	reported     bool
}

// NewStreamCounter creates a stream counter seeded with the pre-flight input
// estimate. A nil counter disables output estimation.
func NewStreamCounter(counter *Counter, inputTokens int) *StreamCounter {
	return &StreamCounter{counter: counter, inputTokens: inputTokens}
}

// AddOutput adds the estimate of a forwarded fragment.
func (c *StreamCounter) AddOutput(text string) {
	if c.reported || c.counter == nil || text == "" {
		return
	}
	c.outputTokens += c.counter.CountText(text)
}

// SetReported records backend usage. Zero values leave the estimate alone.
func (c *StreamCounter) SetReported(inputTokens, outputTokens int) {
	if inputTokens > 0 {
		c.inputTokens = inputTokens
	}
	if outputTokens > 0 {
		c.outputTokens = outputTokens
		c.reported = true
	}
}

// GetCounts returns the current (inputTokens, outputTokens).
func (c *StreamCounter) GetCounts() (inputTokens, outputTokens int) {
	return c.inputTokens, c.outputTokens
}
