// Copyright 2025 Kadir Pekel
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//     http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gwconfig loads the gateway's runtime configuration from
// environment variables (optionally seeded from a .env file) and binds the
// guardrails policy file path used by internal/guardrails.
package gwconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every environment-tunable setting the gateway reads at
// startup. Per-request credentials never live here; they arrive on each
// request's headers and are resolved by internal/authresolve.
type Config struct {
	Addr string `envconfig:"ADDR" default:":8005"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"simple"`
	LogFile   string `envconfig:"LOG_FILE"`

	InvariantAPIKey  string `envconfig:"INVARIANT_API_KEY"`
	InvariantAPIURL  string `envconfig:"INVARIANT_API_URL"`
	GuardrailsAPIURL string `envconfig:"GUARDRAILS_API_URL"`

	GuardrailsFilePath string        `envconfig:"GUARDRAILS_FILE_PATH"`
	PolicyCacheTTL     time.Duration `envconfig:"POLICY_CACHE_TTL" default:"30s"`

	MaxInFlightPushes int `envconfig:"MAX_IN_FLIGHT_PUSHES" default:"16"`

	MetricsEnabled   bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"gatekeep"`
}

// Load reads a .env.local / .env file if present, then binds environment
// variables onto a Config, applying envconfig defaults for anything unset.
func Load() (*Config, error) {
	if err := loadDotEnvFiles(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing gateway config: %w", err)
	}
	return &cfg, nil
}

func loadDotEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("loading %s: %w", file, err)
		}
	}
	return nil
}
