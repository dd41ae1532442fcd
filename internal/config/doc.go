// Package config loads desklicense configuration.
//
// Values are resolved in three layers, later layers overriding earlier ones:
//
//	1. Default()
//	2. an optional YAML file (gopkg.in/yaml.v2)
//	3. DESKLIC_* environment variables (github.com/kelseyhightower/envconfig)
//
// Nested sections map to underscored variable names:
//
//	DESKLIC_SERVER_PORT=8080
//	DESKLIC_KEYS_KEYRING_FILE=/etc/desklicense/keyring.yaml
//	DESKLIC_KEYS_PASSPHRASE=...
//	DESKLIC_REPOSITORY_DRIVER=sheets
//	DESKLIC_SHEETS_SPREADSHEET_ID=...
//
// The keyring passphrase is only ever read from the environment; it is not
// part of the YAML schema.
package config
