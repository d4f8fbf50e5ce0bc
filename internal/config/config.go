package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	AppHost  string
	HTTPPort string
	AppEnv   string
	LogLevel string

	// Chatwoot — платформа диалогов (источник статусов консультаций).
	Chatwoot struct {
		BaseURL      string
		APIToken     string
		AccountID    string
		InboxID      int
		WebhookToken string
	}

	// OData ЦЛ (1C:CL) — мастер-система клиентов и документов обращений.
	OData struct {
		BaseURL  string
		User     string
		Password string
		PageSize int
	}

	// Бизнес-лимиты оркестрации.
	DailyConsLimit      int // лимит консультаций в день на владельца
	CancelWindowMin     int // окно отмены с момента создания, минуты
	AvgConsMinutes      int // средняя длительность консультации по умолчанию
	ScheduleHorizonDays int
	SupportWindowStart  string // фиксированное окно техподдержки, "15:04"
	SupportWindowEnd    string
	DefaultManagerKey   string // запасной менеджер, если подбор не дал кандидата

	KafkaBrokers     []string
	KafkaTopicEvents string

	DB struct {
		Host     string
		Port     string
		User     string
		Password string
		Database string
		SSLMode  string
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg := &Config{
		AppHost:  getEnv("APP_HOST", "0.0.0.0"),
		HTTPPort: firstEnv("APP_PORT", "HTTP_PORT", "8098"),
		AppEnv:   getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DailyConsLimit:      getEnvInt("CONS_DAILY_LIMIT", 3),
		CancelWindowMin:     getEnvInt("CONS_CANCEL_WINDOW_MINUTES", 30),
		AvgConsMinutes:      getEnvInt("CONS_AVG_MINUTES", 15),
		ScheduleHorizonDays: getEnvInt("SCHEDULE_HORIZON_DAYS", 7),
		SupportWindowStart:  getEnv("SUPPORT_WINDOW_START", "09:00"),
		SupportWindowEnd:    getEnv("SUPPORT_WINDOW_END", "18:00"),
		DefaultManagerKey:   getEnv("DEFAULT_MANAGER_KEY", ""),

		KafkaBrokers:     splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopicEvents: getEnv("KAFKA_TOPIC_CONSULTATION", ""),
	}

	cfg.Chatwoot.BaseURL = getEnv("CHATWOOT_API_URL", "")
	cfg.Chatwoot.APIToken = getEnv("CHATWOOT_API_TOKEN", "")
	cfg.Chatwoot.AccountID = getEnv("CHATWOOT_ACCOUNT_ID", "")
	cfg.Chatwoot.InboxID = getEnvInt("CHATWOOT_INBOX_ID", 0)
	cfg.Chatwoot.WebhookToken = getEnv("CHATWOOT_WEBHOOK_TOKEN", "")

	cfg.OData.BaseURL = firstEnv("ODATA_BASE_URL", "ODATA_BASEURL_CL", "")
	cfg.OData.User = getEnv("ODATA_USER", "")
	cfg.OData.Password = getEnv("ODATA_PASSWORD", "")
	cfg.OData.PageSize = getEnvInt("ODATA_PAGE_SIZE", 1000)

	cfg.DB.Host = getEnv("DB_HOST", "localhost")
	cfg.DB.Port = getEnv("DB_PORT", "5432")
	cfg.DB.User = getEnv("DB_USER", "postgres")
	cfg.DB.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.DB.Database = getEnv("DB_DATABASE", "consultation_service")
	cfg.DB.SSLMode = getEnv("DB_SSLMODE", "disable")
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DB.Host == "" || c.DB.Database == "" {
		return errors.New("config: DB_HOST and DB_DATABASE are required")
	}
	if c.AppEnv == "production" && c.DB.Password == "" {
		return errors.New("config: in production DB_PASSWORD is required")
	}
	if c.DailyConsLimit <= 0 {
		return errors.New("config: CONS_DAILY_LIMIT must be positive")
	}
	if c.CancelWindowMin < 0 {
		return errors.New("config: CONS_CANCEL_WINDOW_MINUTES must not be negative")
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) DatabaseURL() string {
	pass := url.QueryEscape(c.DB.Password)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DB.User, pass, c.DB.Host, c.DB.Port, c.DB.Database, c.DB.SSLMode)
}

func (c *Config) Addr() string {
	return c.AppHost + ":" + c.HTTPPort
}

func firstEnv(keysAndDef ...string) string {
	if len(keysAndDef) == 0 {
		return ""
	}
	def := keysAndDef[len(keysAndDef)-1]
	for _, k := range keysAndDef[:len(keysAndDef)-1] {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
