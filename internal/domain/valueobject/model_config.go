package valueobject

// ModelConfig is the concrete invocation parameters resolved for one LLM call:
// which model, how many tokens it may emit, and at what temperature. The
// Classifier and the ContextBuilder's summary calls are configured with one.
type ModelConfig struct {
	model       string
	maxTokens   int
	temperature float64
}

// NewModelConfig creates an invocation parameter set.
func NewModelConfig(model string, maxTokens int, temperature float64) ModelConfig {
	return ModelConfig{
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

func (mc ModelConfig) Model() string        { return mc.model }
func (mc ModelConfig) MaxTokens() int        { return mc.maxTokens }
func (mc ModelConfig) Temperature() float64  { return mc.temperature }

// WithTemperature returns a copy with a different temperature.
func (mc ModelConfig) WithTemperature(temp float64) ModelConfig {
	mc.temperature = temp
	return mc
}

// WithMaxTokens returns a copy with a different max-tokens budget.
func (mc ModelConfig) WithMaxTokens(tokens int) ModelConfig {
	mc.maxTokens = tokens
	return mc
}

// Equals reports value equality.
func (mc ModelConfig) Equals(other ModelConfig) bool {
	return mc.model == other.model &&
		mc.maxTokens == other.maxTokens &&
		mc.temperature == other.temperature
}
