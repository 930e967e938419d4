package app

import "time"

// Store backends for the durable result slot.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config holds runtime configuration for the application.
type Config struct {
	// Extension path: analyze the page at PageURL through the relay.
	PageURL string

	// Dashboard path, used when PageURL is empty.
	Text          string
	ImageURL      string
	ImagePath     string
	SourceContext string

	// Output. Empty or "-" means stdout.
	OutputPath string
	PDFPath    string

	// Analysis Service
	APIBaseURL string
	UserAgent  string
	SSLVerify  bool

	// Result slot
	Store     string
	StoreDir  string
	RedisAddr string

	// Timeouts
	CycleTimeout time.Duration
	FetchTimeout time.Duration

	// Reference service (analysisd)
	ListenAddr string
	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string
	VotesDB    string
	// CacheDir keeps model verdicts across restarts. Empty disables.
	CacheDir string

	Verbose bool
}

// Defaults shared by flag parsing and file config overlays.
const (
	DefaultAPIBaseURL   = "http://127.0.0.1:8000"
	DefaultStore        = StoreMemory
	DefaultStoreDir     = ".pagecheck"
	DefaultListenAddr   = ":8000"
	DefaultCycleTimeout = 60 * time.Second
	DefaultFetchTimeout = 15 * time.Second
)

// DefaultUserAgent identifies page and service requests.
func DefaultUserAgent() string {
	return "pagecheck/" + BuildVersion + " (+https://github.com/hyperifyio/pagecheck)"
}
