package config

// Application constants
const (
	AppName    = "desklicense"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment override, e.g. DESKLIC_SERVER_PORT.
	EnvPrefix = "DESKLIC"

	DefaultKeyringFile = "keys/keyring.yaml"
	DefaultTrustFile   = "keys/trust.yaml"
	DefaultLedgerFile  = "data/licenses.json"
	DefaultAuditFile   = "logs/license_audit.jsonl"

	// Rate limiting for the admin API
	DefaultRateLimit = 20
	DefaultBurstSize = 10

	// Repository drivers
	RepositoryMemory = "memory"
	RepositoryFile   = "file"
	RepositorySheets = "sheets"
)
