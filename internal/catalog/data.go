package catalog

import (
	"time"

	"github.com/shopspring/decimal"

	gateway "github.com/durinhq/durin/internal"
)

// usdPerM converts a price in USD per million tokens to a per-token decimal.
func usdPerM(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s).Div(decimal.NewFromInt(1_000_000))
	return &d
}

// usd parses a flat per-unit price (per request, per image).
func usd(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

var providerTable = []Provider{
	{ID: "openai", DisplayName: "OpenAI", Family: FamilyOpenAI, BaseURL: "https://api.openai.com", Color: "#10a37f", Website: "https://openai.com", Status: gateway.StatusActive, Streaming: true, Cancellation: true, JSONOutput: true},
	{ID: "anthropic", DisplayName: "Anthropic", Family: FamilyAnthropic, BaseURL: "https://api.anthropic.com", Color: "#d4a27f", Website: "https://anthropic.com", Status: gateway.StatusActive, Streaming: true, Cancellation: true, JSONOutput: false},
	{ID: "anthropic-vertex", DisplayName: "Anthropic (Vertex AI)", Family: FamilyAnthropic, Hosting: HostingVertex, Color: "#d4a27f", Website: "https://cloud.google.com/vertex-ai", Status: gateway.StatusActive, Streaming: true, Cancellation: true},
	{ID: "anthropic-bedrock", DisplayName: "Anthropic (Bedrock)", Family: FamilyAnthropic, Hosting: HostingBedrock, Color: "#d4a27f", Website: "https://aws.amazon.com/bedrock", Status: gateway.StatusActive, Streaming: true, Cancellation: true},
	{ID: "google-ai-studio", DisplayName: "Google AI Studio", Family: FamilyGoogle, BaseURL: "https://generativelanguage.googleapis.com", Color: "#4285f4", Website: "https://ai.google.dev", Status: gateway.StatusActive, Streaming: true, Cancellation: false, JSONOutput: true},
	{ID: "xai", DisplayName: "xAI", Family: FamilyCompat, BaseURL: "https://api.x.ai", Color: "#000000", Website: "https://x.ai", Status: gateway.StatusActive, Streaming: true, Cancellation: true, JSONOutput: true},
	{ID: "groq", DisplayName: "Groq", Family: FamilyCompat, BaseURL: "https://api.groq.com", ChatPath: "/openai/v1/chat/completions", Color: "#f55036", Website: "https://groq.com", Status: gateway.StatusActive, Streaming: true, Cancellation: true, JSONOutput: true},
	{ID: "deepseek", DisplayName: "DeepSeek", Family: FamilyCompat, BaseURL: "https://api.deepseek.com", Color: "#4d6bfe", Website: "https://deepseek.com", Status: gateway.StatusActive, Streaming: true, Cancellation: true, JSONOutput: true},
	{ID: "perplexity", DisplayName: "Perplexity", Family: FamilyCompat, BaseURL: "https://api.perplexity.ai", ChatPath: "/chat/completions", Color: "#20808d", Website: "https://perplexity.ai", Status: gateway.StatusActive, Streaming: true, Cancellation: false},
	{ID: "mistral", DisplayName: "Mistral", Family: FamilyCompat, BaseURL: "https://api.mistral.ai", Color: "#fa500f", Website: "https://mistral.ai", Status: gateway.StatusActive, Streaming: true, Cancellation: true, JSONOutput: true},
	{ID: "novita", DisplayName: "Novita", Family: FamilyCompat, BaseURL: "https://api.novita.ai", ChatPath: "/v3/openai/chat/completions", Color: "#6017ff", Website: "https://novita.ai", Status: gateway.StatusActive, Streaming: true, Cancellation: true},
	{ID: "moonshot", DisplayName: "Moonshot", Family: FamilyCompat, BaseURL: "https://api.moonshot.ai", Color: "#1b1b1b", Website: "https://moonshot.ai", Status: gateway.StatusActive, Streaming: true, Cancellation: true},
	{ID: "alibaba", DisplayName: "Alibaba", Family: FamilyCompat, BaseURL: "https://dashscope-intl.aliyuncs.com", ChatPath: "/compatible-mode/v1/chat/completions", Color: "#ff6a00", Website: "https://www.alibabacloud.com", Status: gateway.StatusActive, Streaming: true, Cancellation: false},
	{ID: "nebius", DisplayName: "Nebius", Family: FamilyCompat, BaseURL: "https://api.studio.nebius.com", Color: "#0061ff", Website: "https://nebius.com", Status: gateway.StatusActive, Streaming: true, Cancellation: true},
	{ID: "zai", DisplayName: "Z.AI", Family: FamilyCompat, BaseURL: "https://api.z.ai", ChatPath: "/api/paas/v4/chat/completions", Color: "#2d67fa", Website: "https://z.ai", Status: gateway.StatusActive, Streaming: true, Cancellation: true},
	{ID: "inference-net", DisplayName: "Inference.net", Family: FamilyCompat, BaseURL: "https://api.inference.net", Color: "#00b87c", Website: "https://inference.net", Status: gateway.StatusActive, Streaming: true, Cancellation: true},
	{ID: "together-ai", DisplayName: "Together AI", Family: FamilyCompat, BaseURL: "https://api.together.xyz", Color: "#0f6fff", Website: "https://together.ai", Status: gateway.StatusActive, Streaming: true, Cancellation: true},
	{ID: "routeway", DisplayName: "Routeway", Family: FamilyCompat, BaseURL: "https://api.routeway.ai", Color: "#8b5cf6", Website: "https://routeway.ai", Status: gateway.StatusActive, Streaming: true, Cancellation: false},
	{ID: "custom", DisplayName: "Custom", Family: FamilyCompat, Color: "#64748b", Website: "", Status: gateway.StatusActive, Streaming: true, Cancellation: true},
}

var modelTable = []Model{
	{
		ID: "gpt-4o", Family: "gpt", SupportsSystemRole: true, JSONOutput: true, Vision: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "openai", ModelName: "gpt-4o", InputPrice: usdPerM("2.50"), OutputPrice: usdPerM("10.00"), ImageInputPrice: usd("0.003613"), ContextSize: 128_000, MaxOutput: 16_384},
			{ProviderID: "routeway", ModelName: "gpt-4o", InputPrice: usdPerM("2.50"), OutputPrice: usdPerM("10.00"), ContextSize: 128_000, Discount: dec("0.9")},
		},
	},
	{
		ID: "gpt-4o-mini", Family: "gpt", SupportsSystemRole: true, JSONOutput: true, Vision: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "openai", ModelName: "gpt-4o-mini", InputPrice: usdPerM("0.15"), OutputPrice: usdPerM("0.60"), ImageInputPrice: usd("0.001445"), ContextSize: 128_000, MaxOutput: 16_384},
		},
	},
	{
		ID: "gpt-5", Family: "gpt", SupportsSystemRole: true, JSONOutput: true, Vision: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "openai", ModelName: "gpt-5", InputPrice: usdPerM("1.25"), OutputPrice: usdPerM("10.00"), ContextSize: 400_000, MaxOutput: 128_000, ResponsesAPI: true},
		},
	},
	{
		ID: "gpt-5-mini", Family: "gpt", SupportsSystemRole: true, JSONOutput: true, Vision: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "openai", ModelName: "gpt-5-mini", InputPrice: usdPerM("0.25"), OutputPrice: usdPerM("2.00"), ContextSize: 400_000, MaxOutput: 128_000, ResponsesAPI: true},
		},
	},
	{
		ID: "gpt-3.5-turbo", Family: "gpt", SupportsSystemRole: true, JSONOutput: true, Stability: StabilityStable, DeprecatedAt: date(2025, time.March, 31),
		Mappings: []Mapping{
			{ProviderID: "openai", ModelName: "gpt-3.5-turbo", InputPrice: usdPerM("0.50"), OutputPrice: usdPerM("1.50"), ContextSize: 16_385},
		},
	},
	{
		ID: "claude-sonnet-4", Family: "claude", SupportsSystemRole: true, Vision: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "anthropic", ModelName: "claude-sonnet-4-20250514", InputPrice: usdPerM("3.00"), OutputPrice: usdPerM("15.00"), ImageInputPrice: usd("0.0048"), ContextSize: 200_000, MaxOutput: 64_000},
			{ProviderID: "anthropic-vertex", ModelName: "claude-sonnet-4@20250514", InputPrice: usdPerM("3.00"), OutputPrice: usdPerM("15.00"), ContextSize: 200_000, MaxOutput: 64_000},
			{ProviderID: "anthropic-bedrock", ModelName: "anthropic.claude-sonnet-4-20250514-v1:0", InputPrice: usdPerM("3.00"), OutputPrice: usdPerM("15.00"), ContextSize: 200_000, MaxOutput: 64_000},
		},
	},
	{
		ID: "claude-3-5-haiku", Family: "claude", SupportsSystemRole: true, Vision: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "anthropic", ModelName: "claude-3-5-haiku-20241022", InputPrice: usdPerM("0.80"), OutputPrice: usdPerM("4.00"), ContextSize: 200_000, MaxOutput: 8_192},
		},
	},
	{
		ID: "gemini-2.5-flash", Family: "gemini", SupportsSystemRole: true, JSONOutput: true, Vision: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "google-ai-studio", ModelName: "gemini-2.5-flash", InputPrice: usdPerM("0.30"), OutputPrice: usdPerM("2.50"), ContextSize: 1_048_576, MaxOutput: 65_536},
		},
	},
	{
		ID: "gemini-2.5-pro", Family: "gemini", SupportsSystemRole: true, JSONOutput: true, Vision: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "google-ai-studio", ModelName: "gemini-2.5-pro", InputPrice: usdPerM("1.25"), OutputPrice: usdPerM("10.00"), ContextSize: 1_048_576, MaxOutput: 65_536},
		},
	},
	{
		ID: "grok-4", Family: "grok", SupportsSystemRole: true, JSONOutput: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "xai", ModelName: "grok-4", InputPrice: usdPerM("3.00"), OutputPrice: usdPerM("15.00"), ContextSize: 256_000},
		},
	},
	{
		ID: "llama-3.3-70b", Family: "llama", SupportsSystemRole: true, JSONOutput: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "groq", ModelName: "llama-3.3-70b-versatile", InputPrice: usdPerM("0.59"), OutputPrice: usdPerM("0.79"), ContextSize: 128_000, MaxOutput: 32_768},
			{ProviderID: "together-ai", ModelName: "meta-llama/Llama-3.3-70B-Instruct-Turbo", InputPrice: usdPerM("0.88"), OutputPrice: usdPerM("0.88"), ContextSize: 131_072},
			{ProviderID: "novita", ModelName: "meta-llama/llama-3.3-70b-instruct", InputPrice: usdPerM("0.39"), OutputPrice: usdPerM("0.39"), ContextSize: 131_072},
			{ProviderID: "nebius", ModelName: "meta-llama/Llama-3.3-70B-Instruct", InputPrice: usdPerM("0.25"), OutputPrice: usdPerM("0.75"), ContextSize: 131_072},
		},
	},
	{
		ID: "llama-3.2-11b-vision", Family: "llama", SupportsSystemRole: true, Vision: true, Stability: StabilityBeta,
		Mappings: []Mapping{
			// Inference.net publishes no fixed pricing for this deployment;
			// the mapping is pinnable but never wins cheapest-pick.
			{ProviderID: "inference-net", ModelName: "meta-llama/llama-3.2-11b-instruct", ContextSize: 131_072},
		},
	},
	{
		ID: "deepseek-v3", Family: "deepseek", SupportsSystemRole: true, JSONOutput: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "deepseek", ModelName: "deepseek-chat", InputPrice: usdPerM("0.27"), OutputPrice: usdPerM("1.10"), ContextSize: 64_000, MaxOutput: 8_192},
			{ProviderID: "novita", ModelName: "deepseek/deepseek_v3", InputPrice: usdPerM("0.40"), OutputPrice: usdPerM("1.30"), ContextSize: 64_000},
		},
	},
	{
		ID: "deepseek-r1", Family: "deepseek", SupportsSystemRole: false, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "deepseek", ModelName: "deepseek-reasoner", InputPrice: usdPerM("0.55"), OutputPrice: usdPerM("2.19"), ContextSize: 64_000, MaxOutput: 8_192},
		},
	},
	{
		ID: "sonar-pro", Family: "sonar", SupportsSystemRole: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "perplexity", ModelName: "sonar-pro", InputPrice: usdPerM("3.00"), OutputPrice: usdPerM("15.00"), RequestPrice: usd("0.005"), ContextSize: 200_000, SupportedParameters: []string{"temperature", "max_tokens", "top_p"}},
		},
	},
	{
		ID: "mistral-large", Family: "mistral", SupportsSystemRole: true, JSONOutput: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "mistral", ModelName: "mistral-large-latest", InputPrice: usdPerM("2.00"), OutputPrice: usdPerM("6.00"), ContextSize: 131_072},
		},
	},
	{
		ID: "kimi-k2", Family: "kimi", SupportsSystemRole: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "moonshot", ModelName: "kimi-k2-0711-preview", InputPrice: usdPerM("0.55"), OutputPrice: usdPerM("2.21"), ContextSize: 131_072},
			{ProviderID: "together-ai", ModelName: "moonshotai/Kimi-K2-Instruct", InputPrice: usdPerM("1.00"), OutputPrice: usdPerM("3.00"), ContextSize: 131_072},
		},
	},
	{
		ID: "qwen-2.5-72b", Family: "qwen", SupportsSystemRole: true, JSONOutput: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "alibaba", ModelName: "qwen2.5-72b-instruct", InputPrice: usdPerM("1.40"), OutputPrice: usdPerM("5.60"), ContextSize: 131_072},
			{ProviderID: "nebius", ModelName: "Qwen/Qwen2.5-72B-Instruct", InputPrice: usdPerM("0.40"), OutputPrice: usdPerM("1.20"), ContextSize: 131_072},
		},
	},
	{
		ID: "glm-4.5-airx", Family: "glm", SupportsSystemRole: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "zai", ModelName: "glm-4.5-airx", InputPrice: usdPerM("1.10"), OutputPrice: usdPerM("4.50"), ContextSize: 131_072},
		},
	},
	{
		ID: "glm-4.5-flash", Family: "glm", SupportsSystemRole: true, Free: true, Stability: StabilityStable,
		Mappings: []Mapping{
			{ProviderID: "zai", ModelName: "glm-4.5-flash", InputPrice: usdPerM("0"), OutputPrice: usdPerM("0"), ContextSize: 131_072},
		},
	},
	{
		ID: "grok-4-fast", Family: "grok", SupportsSystemRole: true, Stability: StabilityExperimental,
		Mappings: []Mapping{
			{ProviderID: "xai", ModelName: "grok-4-fast", InputPrice: usdPerM("0.20"), OutputPrice: usdPerM("0.50"), ContextSize: 2_000_000},
		},
	},
}
