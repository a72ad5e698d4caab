package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AppEnv                string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	KVNamespace           string
	KafkaBrokers          []string
	KafkaTopicInvoices    string
	JaegerEndpoint        string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	InvoicePrefix         string
	NumberingScope        string
	Timezone              string
	DefaultTaxRate        decimal.Decimal
}

// Load reads the environment, after merging a .env file when one is present.
// Variables already set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	taxRate, err := decimal.NewFromString(getEnv("DEFAULT_TAX_RATE", "0"))
	if err != nil || taxRate.IsNegative() {
		taxRate = decimal.Zero
	}

	return Config{
		Port:                  getEnv("PORT", "8080"),
		AppEnv:                getEnv("APP_ENV", "development"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		KVNamespace:           getEnv("KV_NAMESPACE", "invoicing"),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopicInvoices:    getEnv("KAFKA_TOPIC_INVOICES", "invoice-events"),
		JaegerEndpoint:        strings.TrimSpace(os.Getenv("JAEGER_ENDPOINT")),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		InvoicePrefix:         getEnv("INVOICE_PREFIX", "INV"),
		NumberingScope:        strings.ToLower(getEnv("NUMBERING_SCOPE", "day")),
		Timezone:              getEnv("TIMEZONE", "Asia/Jakarta"),
		DefaultTaxRate:        taxRate,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
