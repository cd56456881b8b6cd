// Package config loads the process's environment-variable configuration.
// Every option is optional with a sane default, and only LLM_API_KEY
// gates a capability (real provider calls) rather than startup itself.
package config

import (
	"os"
	"strconv"
)

type Config struct {
	HTTPAddr string

	NumAIPlayers int

	AIModelProvider string
	AIModelName     string
	AITemperature   float64

	DiscussionTimeSec           int
	VotingTimeSec               int
	RoundsToWin                 int
	MessageCooldownSec          int
	MaxConcurrentAgentResponses int

	LLMAPIKey string

	RabbitMQURL    string
	TraceStdout    bool
	PrometheusAddr string
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
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

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
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

// Load reads the process environment into a Config. NUM_AI_PLAYERS is
// clamped to [2,10], AI_TEMPERATURE to [0,1] per the documented ranges.
func Load() Config {
	cfg := Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		NumAIPlayers: getEnvInt("NUM_AI_PLAYERS", 4),

		AIModelProvider: getEnv("AI_MODEL_PROVIDER", "openai"),
		AIModelName:     getEnv("AI_MODEL_NAME", "gpt-4o-mini"),
		AITemperature:   getEnvFloat("AI_TEMPERATURE", 0.8),

		DiscussionTimeSec:           getEnvInt("DISCUSSION_TIME", 180),
		VotingTimeSec:               getEnvInt("VOTING_TIME", 60),
		RoundsToWin:                 getEnvInt("ROUNDS_TO_WIN", 3),
		MessageCooldownSec:          getEnvInt("MESSAGE_COOLDOWN", 15),
		MaxConcurrentAgentResponses: getEnvInt("MAX_CONCURRENT_AGENT_RESPONSES", 2),

		LLMAPIKey: getEnv("LLM_API_KEY", ""),

		RabbitMQURL:    getEnv("RABBITMQ_URL", ""),
		TraceStdout:    getEnvBool("TRACE_STDOUT", false),
		PrometheusAddr: getEnv("PROM_ADDR", ""),
	}

	if cfg.NumAIPlayers < 2 {
		cfg.NumAIPlayers = 2
	}
	if cfg.NumAIPlayers > 10 {
		cfg.NumAIPlayers = 10
	}
	if cfg.AITemperature < 0 {
		cfg.AITemperature = 0
	}
	if cfg.AITemperature > 1 {
		cfg.AITemperature = 1
	}
	return cfg
}

// Public returns the non-secret projection of Config served by GET /config.
func (c Config) Public() map[string]interface{} {
	return map[string]interface{}{
		"num_ai_players":                 c.NumAIPlayers,
		"ai_model_provider":              c.AIModelProvider,
		"ai_model_name":                  c.AIModelName,
		"ai_temperature":                 c.AITemperature,
		"discussion_time":                c.DiscussionTimeSec,
		"voting_time":                    c.VotingTimeSec,
		"rounds_to_win":                  c.RoundsToWin,
		"message_cooldown":               c.MessageCooldownSec,
		"max_concurrent_agent_responses": c.MaxConcurrentAgentResponses,
		"llm_configured":                 c.LLMAPIKey != "",
	}
}
