package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string
	// SupabaseBucketPublic selects between public object URLs and signed
	// ones for uploaded images.
	SupabaseBucketPublic bool
	SupabaseTable        string

	LLMProvider      string
	GeminiAPIKey     string
	DefaultLLMModel  string
	FallbackLLMModel string

	ApifyToken  string
	UpscalerURL string
	UpscalerKey string

	// SelfBaseURL is where the worker posts its own continuation trigger.
	SelfBaseURL string

	// SiteRulesPath points at a YAML file overriding the built-in site rules.
	SiteRulesPath string

	MaxConcurrentScrapes int
	ScrapeTimeoutMs      int
	LLMCallTimeoutMs     int
	ImageConcurrency     int
	TaskMaxRetries       int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func Load() Config {
	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8081"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		SupabaseURL:          os.Getenv("NEXT_PUBLIC_SUPABASE_URL"),
		SupabaseServiceKey:   os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:       getenv("SUPABASE_STORAGE_BUCKET", "listing-images"),
		SupabaseBucketPublic: getenvBool("SUPABASE_BUCKET_PUBLIC", true),
		SupabaseTable:        getenv("SUPABASE_PREVIEW_TABLE", "listing_previews"),

		LLMProvider:      getenv("LLM_PROVIDER", "gemini"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		DefaultLLMModel:  getenv("DEFAULT_LLM_MODEL", "gemini-1.5-flash"),
		FallbackLLMModel: getenv("FALLBACK_LLM_MODEL", "gemini-1.5-pro"),

		ApifyToken:  os.Getenv("APIFY_TOKEN"),
		UpscalerURL: os.Getenv("UPSCALER_URL"),
		UpscalerKey: os.Getenv("UPSCALER_KEY"),

		SelfBaseURL:   getenv("SELF_BASE_URL", "http://127.0.0.1:8081"),
		SiteRulesPath: os.Getenv("SITE_RULES_PATH"),

		MaxConcurrentScrapes: getenvInt("MAX_CONCURRENT_SCRAPES", 2),
		ScrapeTimeoutMs:      getenvInt("SCRAPE_TIMEOUT_MS", 90000),
		LLMCallTimeoutMs:     getenvInt("LLM_CALL_TIMEOUT_MS", 60000),
		ImageConcurrency:     getenvInt("IMAGE_CONCURRENCY", 5),
		TaskMaxRetries:       getenvInt("TASK_MAX_RETRIES", 3),
	}
	if cfg.RedisAddr == "" {
		panic(fmt.Errorf("REDIS_ADDR is required"))
	}
	return cfg
}
