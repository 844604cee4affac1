package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Stock Alerter Configuration

[database]
# SQLite database file (defaults to alerter.db in this directory)
# path = "/var/lib/stock-alerter/alerter.db"

[evaluation]
# Upper bound for one evaluation pass, including waiting for the instrument lock
pass_timeout = "30s"
# Instruments evaluated in parallel per feed tick
workers = 4

[feed]
# Price source: "mock", "fmp" or "kite" (falls back to mock without credentials)
source = "mock"
# How often prices are fetched
interval = "1m"
request_timeout = "10s"
# Requests per second allowed against the provider
rate_limit = 5.0
burst = 1
exchange = "NSE"

[feed.breaker]
# Consecutive failures before the source is short-circuited
failure_threshold = 5
success_threshold = 2
timeout = "1m"

[digest]
# Periodic latest-price digest mailed to active users
enabled = true
interval = "3m"

[notifications]
enabled = true
# Notification level: all, alerts_only, errors_only
level = "all"

[notifications.retry]
max_attempts = 3
initial_delay = "500ms"
max_delay = "5s"

[notifications.log]
enabled = true

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = 0

[notifications.email]
enabled = false
smtp_host = ""
smtp_port = 587
username = ""
password = ""
from = ""
# Leave empty to mail each alert's owner
to = ""

[notifications.kafka]
enabled = false
brokers = ["localhost:9092"]
topic = "stock-alerts.triggers"

[metrics]
enabled = true
listen = ":9102"

[logging]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30
`

const credentialsTemplate = `# Stock Alerter Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[fmp]
api_key = ""

[kite]
api_key = ""
access_token = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}
	return nil
}
