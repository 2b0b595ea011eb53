package model

// AIProviderKind selects the classification backend.
type AIProviderKind string

const (
	AIProviderAnthropic AIProviderKind = "anthropic"
	AIProviderOpenAI    AIProviderKind = "openai"
)

// AIConfig is the persisted classifier selection. The API key itself lives
// in the OS keyring under CredentialKey.
type AIConfig struct {
	Kind          AIProviderKind `json:"kind"`
	Model         string         `json:"model"`
	BaseURL       string         `json:"baseUrl,omitempty"`
	CredentialKey string         `json:"credentialKey"`
}
