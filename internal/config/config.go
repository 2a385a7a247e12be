package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	LLMModel     string
	LLMAPIKey    string
	SystemPrompt string

	HistoryLimit  int
	MaxToolRounds int
	CacheMessages int
	CacheTTL      time.Duration
	RetentionDays int

	RestartToken string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("CONVOD_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("CONVOD_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("CONVOD_DB_PATH", filepath.Join(dataDir, "convod.db")),

		LLMModel:     getEnv("CONVOD_LLM_MODEL", "gpt-4o-mini"),
		LLMAPIKey:    getEnv("CONVOD_LLM_API_KEY", ""),
		SystemPrompt: getEnv("CONVOD_SYSTEM_PROMPT", "You are a helpful assistant."),

		HistoryLimit:  getEnvInt("CONVOD_HISTORY_LIMIT", 50),
		MaxToolRounds: getEnvInt("CONVOD_MAX_TOOL_ROUNDS", 5),
		CacheMessages: getEnvInt("CONVOD_CACHE_MESSAGES", 100),
		CacheTTL:      getEnvDuration("CONVOD_CACHE_TTL", 30*time.Minute),
		RetentionDays: getEnvInt("CONVOD_RETENTION_DAYS", 0),

		RestartToken: getEnv("CONVOD_RESTART_TOKEN", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
