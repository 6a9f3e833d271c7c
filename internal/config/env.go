package config

import (
	"os"
	"strconv"
)

// Services holds provider credentials and endpoints read from the environment.
type Services struct {
	GeminiAPIKey      string
	GeminiModel       string
	PerplexityAPIKey  string
	PerplexityModel   string
	PerplexityBaseURL string
	ResearchRPS       float64
}

// Environment variables read by ServicesFromEnv.
const (
	EnvGeminiAPIKey      = "GEMINI_API_KEY"
	EnvGeminiModel       = "GEMINI_MODEL"
	EnvPerplexityAPIKey  = "PERPLEXITY_API_KEY"
	EnvPerplexityModel   = "PERPLEXITY_MODEL"
	EnvPerplexityBaseURL = "PERPLEXITY_BASE_URL"
	EnvResearchRPS       = "DOSSIER_RESEARCH_RPS"
)

// ServicesFromEnv reads provider settings. Missing keys are left empty;
// the caller decides whether live services are required.
func ServicesFromEnv() Services {
	s := Services{
		GeminiAPIKey:      os.Getenv(EnvGeminiAPIKey),
		GeminiModel:       envOr(EnvGeminiModel, "gemini-2.5-flash"),
		PerplexityAPIKey:  os.Getenv(EnvPerplexityAPIKey),
		PerplexityModel:   envOr(EnvPerplexityModel, "sonar-pro"),
		PerplexityBaseURL: envOr(EnvPerplexityBaseURL, "https://api.perplexity.ai"),
	}
	if v, err := strconv.ParseFloat(os.Getenv(EnvResearchRPS), 64); err == nil && v > 0 {
		s.ResearchRPS = v
	}
	return s
}

// Live reports whether both providers have credentials.
func (s Services) Live() bool {
	return s.GeminiAPIKey != "" && s.PerplexityAPIKey != ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
