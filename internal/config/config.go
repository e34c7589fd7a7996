package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Port         string
	InferenceURL string
	StaticDir    string

	// Токен сессии: файл имеет приоритет над переменной
	AuthToken     string
	AuthTokenFile string

	LogLevel  string
	LogPretty bool

	PollInterval       time.Duration
	ImageUploadTimeout time.Duration
	VideoUploadTimeout time.Duration
	PollRequestTimeout time.Duration
	StopStreamTimeout  time.Duration
	RateLimitInterval  time.Duration

	MaxImageBytes int64
	MaxVideoBytes int64
	ImageTypes    []string
	VideoTypes    []string
}

func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "8080"),
		InferenceURL: getEnv("INFERENCE_URL", "http://localhost:5000"),
		StaticDir:    getEnv("STATIC_DIR", "./static"),

		AuthToken:     getEnv("AUTH_TOKEN", ""),
		AuthTokenFile: getEnv("AUTH_TOKEN_FILE", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getBool("LOG_PRETTY", false),

		PollInterval:       getDuration("POLL_INTERVAL", 500*time.Millisecond),
		ImageUploadTimeout: getDuration("IMAGE_UPLOAD_TIMEOUT", 30*time.Second),
		VideoUploadTimeout: getDuration("VIDEO_UPLOAD_TIMEOUT", 60*time.Second),
		PollRequestTimeout: getDuration("POLL_REQUEST_TIMEOUT", 5*time.Second),
		StopStreamTimeout:  getDuration("STOP_STREAM_TIMEOUT", 5*time.Second),
		RateLimitInterval:  getDuration("RATE_LIMIT_INTERVAL", time.Second),

		MaxImageBytes: getInt64("MAX_IMAGE_BYTES", 10<<20),
		MaxVideoBytes: getInt64("MAX_VIDEO_BYTES", 200<<20),
		ImageTypes:    getList("IMAGE_TYPES", nil),
		VideoTypes:    getList("VIDEO_TYPES", nil),
	}
}

// MaxUploadBytes верхняя граница тела multipart-запроса
func (c *Config) MaxUploadBytes() int64 {
	m := c.MaxImageBytes
	if c.MaxVideoBytes > m {
		m = c.MaxVideoBytes
	}
	// запас на заголовки multipart
	return m + 1<<20
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Dur("default", defaultVal).Msg("invalid duration, using default")
		return defaultVal
	}
	return d
}

func getInt64(key string, defaultVal int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Int64("default", defaultVal).Msg("invalid integer, using default")
		return defaultVal
	}
	return n
}

func getBool(key string, defaultVal bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("invalid bool, using default")
		return defaultVal
	}
	return b
}

// getList читает список через запятую; пустые элементы отбрасываются
func getList(key string, defaultVal []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
