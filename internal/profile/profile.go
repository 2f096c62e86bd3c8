package profile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the bot. It is loaded once at process
// start from flags and SAVEPIC_* environment variables and passed down
// explicitly; nothing reads it from global state afterwards.
type Profile struct {
	// Mode is "prod", "dev" or "demo".
	Mode string

	// Data is the directory holding managed (content-addressed) picture
	// files.
	Data string

	// Driver is the database driver: postgres (full support) or sqlite
	// (best-effort, no similarity search).
	Driver string

	// DSN is the database source name.
	DSN string

	// MetricsAddr serves Prometheus metrics when non-empty, e.g. ":9090".
	MetricsAddr string

	Version string

	// TelegramToken enables the bundled Telegram channel when non-empty.
	TelegramToken string

	// Admins are bot administrators allowed to write the global scope and
	// rename multi-scope pictures, as platform-qualified user IDs
	// (e.g. "telegram:12345").
	Admins []string

	// Embedding backend (OpenAI-compatible). Empty API key disables
	// similarity search entirely; every feature degrades gracefully.
	EmbeddingAPIKey     string
	EmbeddingBaseURL    string
	EmbeddingModel      string
	EmbeddingDimensions int

	// Caption backend (OpenAI-compatible vision chat model) used to extract
	// text from images before embedding. Optional.
	CaptionAPIKey  string
	CaptionBaseURL string
	CaptionModel   string

	// SaveDistanceFloor is the save-time cosine-distance bound: a stored
	// picture closer than this rejects a new save as a near-duplicate.
	SaveDistanceFloor float32

	// QueryDistanceFloor is the query-time cosine-distance bound for
	// nearest-match lookups.
	QueryDistanceFloor float32

	// TextDistanceFloor is the distance bound for name-by-text retrieval.
	TextDistanceFloor float32

	// NotFoundWithJPG retries text retrieval with a ".jpg" suffix appended
	// to the query when the first pass finds nothing.
	NotFoundWithJPG bool

	ListPageSize int
	ListMaxPages int
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAdmin reports whether the platform-qualified user ID is a bot
// administrator.
func (p *Profile) IsAdmin(userID string) bool {
	for _, admin := range p.Admins {
		if admin == userID {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.TelegramToken = getEnvOrDefault("SAVEPIC_TELEGRAM_TOKEN", "")
	if admins := getEnvOrDefault("SAVEPIC_ADMINS", ""); admins != "" {
		for _, admin := range strings.Split(admins, ",") {
			if admin = strings.TrimSpace(admin); admin != "" {
				p.Admins = append(p.Admins, admin)
			}
		}
	}

	p.EmbeddingAPIKey = getEnvOrDefault("SAVEPIC_EMBEDDING_API_KEY", "")
	p.EmbeddingBaseURL = getEnvOrDefault("SAVEPIC_EMBEDDING_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	p.EmbeddingModel = getEnvOrDefault("SAVEPIC_EMBEDDING_MODEL", "multimodal-embedding-v1")
	p.EmbeddingDimensions = getEnvOrDefaultInt("SAVEPIC_EMBEDDING_DIMENSIONS", 1024)

	p.CaptionAPIKey = getEnvOrDefault("SAVEPIC_CAPTION_API_KEY", p.EmbeddingAPIKey)
	p.CaptionBaseURL = getEnvOrDefault("SAVEPIC_CAPTION_BASE_URL", "")
	p.CaptionModel = getEnvOrDefault("SAVEPIC_CAPTION_MODEL", "")

	p.SaveDistanceFloor = getEnvOrDefaultFloat("SAVEPIC_SAVE_DISTANCE_FLOOR", 0.08)
	p.QueryDistanceFloor = getEnvOrDefaultFloat("SAVEPIC_QUERY_DISTANCE_FLOOR", 0.35)
	p.TextDistanceFloor = getEnvOrDefaultFloat("SAVEPIC_TEXT_DISTANCE_FLOOR", 0.45)
	p.NotFoundWithJPG = getEnvOrDefault("SAVEPIC_NOTFOUND_WITH_JPG", "true") == "true"

	p.ListPageSize = getEnvOrDefaultInt("SAVEPIC_LIST_PAGE_SIZE", 7)
	p.ListMaxPages = getEnvOrDefaultInt("SAVEPIC_LIST_MAX_PAGES", 20)
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies.
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(dataDir, 0o770); err != nil {
			return "", errors.Wrapf(err, "unable to create data folder %s", dataDir)
		}
	} else if err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Data == "" {
		p.Data = "savepic"
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.Driver == "" {
		p.Driver = "postgres"
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(dataDir, "savepic_"+p.Mode+".db")
	}
	if p.DSN == "" {
		return errors.New("dsn required")
	}

	if p.SaveDistanceFloor <= 0 || p.SaveDistanceFloor >= p.QueryDistanceFloor {
		return errors.Errorf("save distance floor %.2f must be positive and tighter than query floor %.2f",
			p.SaveDistanceFloor, p.QueryDistanceFloor)
	}
	if p.ListPageSize < 1 {
		p.ListPageSize = 1
	}
	if p.ListMaxPages < 1 {
		p.ListMaxPages = 1
	}

	return nil
}
