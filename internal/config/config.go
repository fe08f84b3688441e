package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Configはアプリ全体の設定
type Config struct {
	Port string // サーバーポート（8080）

	PostgresUser     string // DBユーザー
	PostgresPassword string // DBパスワード
	PostgresDB       string // DB名
	PostgresHost     string // DBホスト（localhost）
	PostgresPort     int    // DBポート（5432）
	PostgresSSLMode  string // disable/require
	DatabaseURL      string // あればPostgres*より優先

	JWTSecret string // JWT署名シークレット

	GoEnv       string // dev/prod
	ServiceName string // ログ・トレースのservice名

	// 決済代行（MercadoPago形式）
	GatewayBaseURL     string
	GatewayAccessToken string
	GatewayTimeout     time.Duration
	// 決済代行の金額表現 = 内部の最小単位 / AmountScale
	GatewayAmountScale int64
	PublicBaseURL      string // 決済完了後の戻り先

	ReservationTTL     time.Duration // pendingの有効期限
	SweepInterval      time.Duration
	SweepBatchSize     int
	StaleAfter         time.Duration // awaiting_paymentを再照会するまでの時間
	AbandonAfter       time.Duration // 決済が見つからなければ見捨てるまでの時間
	TransitionAttempts int           // CAS競合時のリトライ回数

	RedisAddr    string // 空ならリースなし（単一インスタンス前提）
	KafkaBrokers []string // 空ならイベントはログのみ
	KafkaTopic   string
}

// Loadは環境変数
func Load() (Config, error) {
	pgPort, err := atoiDefault("POSTGRES_PORT", 5432)
	if err != nil {
		return Config{}, err
	}
	scale, err := atoiDefault("GATEWAY_AMOUNT_SCALE", 1)
	if err != nil {
		return Config{}, err
	}
	batch, err := atoiDefault("SWEEP_BATCH_SIZE", 100)
	if err != nil {
		return Config{}, err
	}
	attempts, err := atoiDefault("TRANSITION_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port: getenv("PORT", "8080"),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     getenv("POSTGRES_HOST", "localhost"),
		PostgresPort:     pgPort,
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		GoEnv:       os.Getenv("GO_ENV"),
		ServiceName: getenv("SERVICE_NAME", "bookstore"),

		GatewayBaseURL:     getenv("GATEWAY_BASE_URL", "https://api.mercadopago.com"),
		GatewayAccessToken: os.Getenv("GATEWAY_ACCESS_TOKEN"),
		GatewayAmountScale: int64(scale),
		PublicBaseURL:      os.Getenv("PUBLIC_BASE_URL"),

		SweepBatchSize:     batch,
		TransitionAttempts: attempts,

		RedisAddr:  os.Getenv("REDIS_ADDR"),
		KafkaTopic: getenv("KAFKA_TOPIC", "order.events"),
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"GATEWAY_TIMEOUT", 10 * time.Second, &cfg.GatewayTimeout},
		{"RESERVATION_TTL", 30 * time.Minute, &cfg.ReservationTTL},
		{"SWEEP_INTERVAL", time.Minute, &cfg.SweepInterval},
		{"STALE_AFTER", 15 * time.Minute, &cfg.StaleAfter},
		{"ABANDON_AFTER", 24 * time.Hour, &cfg.AbandonAfter},
	}
	for _, d := range durations {
		v, err := durationDefault(d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	//必須チェック
	if cfg.DatabaseURL == "" {
		if cfg.PostgresUser == "" {
			return Config{}, fmt.Errorf("POSTGRES_USER is required")
		}
		if cfg.PostgresPassword == "" {
			return Config{}, fmt.Errorf("POSTGRES_PASSWORD is required")
		}
		if cfg.PostgresDB == "" {
			return Config{}, fmt.Errorf("POSTGRES_DB is required")
		}
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.GoEnv == "" {
		return Config{}, fmt.Errorf("GO_ENV is required")
	}
	if cfg.GatewayAccessToken == "" {
		return Config{}, fmt.Errorf("GATEWAY_ACCESS_TOKEN is required")
	}
	if cfg.PublicBaseURL == "" {
		return Config{}, fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if cfg.GatewayAmountScale < 1 {
		return Config{}, fmt.Errorf("GATEWAY_AMOUNT_SCALE must be >= 1")
	}
	if cfg.TransitionAttempts < 1 {
		return Config{}, fmt.Errorf("TRANSITION_ATTEMPTS must be >= 1")
	}
	if cfg.AbandonAfter < cfg.StaleAfter {
		return Config{}, fmt.Errorf("ABANDON_AFTER must be >= STALE_AFTER")
	}

	return cfg, nil
}

// DSNはgorm postgres用の接続文字列
func (c Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresSSLMode,
	)
}

func (c Config) IsProd() bool {
	return c.GoEnv == "prod"
}

func getenv(key string, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func atoiDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be number: %w", key, err)
	}
	return i, nil
}

func durationDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be duration: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
