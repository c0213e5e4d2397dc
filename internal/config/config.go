// Package config loads and holds all core configuration. Settings are
// layered: defaults → deidentify-config.json → environment variables (env
// vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// ResearchContext carries the optional trial/site/subject context a
// Compliance Profile may stamp into its output, never into a removed tag.
type ResearchContext struct {
	TrialID   string `json:"trialId"`
	SiteID    string `json:"siteId"`
	SubjectID string `json:"subjectId"`
}

// Config holds the full core configuration.
type Config struct {
	ProfileName      string `json:"profileName"`
	IncludeImages    bool   `json:"includeImages"`
	IncludeDocuments bool   `json:"includeDocuments"`

	OutputRoot string `json:"outputRoot"`
	TempRoot   string `json:"tempRoot"`

	SaltFile          string `json:"saltFile"`          // path to the HMAC secret-salt file; never logged
	AnonymizationSalt []byte `json:"-"`                 // loaded from SaltFile or ANONYMIZATION_SALT; never marshaled

	ResearchContext ResearchContext `json:"researchContext"`

	DetectionEndpoint  string `json:"detectionEndpoint"`
	DetectionOptional  bool   `json:"detectionOptional"`
	DetectionTimeoutMs int    `json:"detectionTimeoutMs"`

	AuditDBPath string `json:"auditDbPath"`

	StatusPort  int    `json:"statusPort"` // 0 disables the introspection API
	StatusToken string `json:"statusToken"`

	LogLevel string `json:"logLevel"`
}

// Load returns config with defaults overridden by deidentify-config.json and
// env vars, in that precedence order.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "deidentify-config.json")
	loadEnv(cfg)
	loadSalt(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ProfileName:        "",
		IncludeImages:      true,
		IncludeDocuments:   false,
		OutputRoot:         "downloads/voxelmask_runs",
		TempRoot:           "downloads/voxelmask_runs/.tmp",
		SaltFile:           "anonymization-salt.bin",
		DetectionEndpoint:  "http://localhost:8500/detect",
		DetectionOptional:  true,
		DetectionTimeoutMs: 5000,
		AuditDBPath:        "audit.db",
		StatusPort:         0,
		LogLevel:           "info",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("PROFILE_NAME"); v != "" {
		cfg.ProfileName = v
	}
	if v := os.Getenv("INCLUDE_IMAGES"); v != "" {
		cfg.IncludeImages = v != "false"
	}
	if v := os.Getenv("INCLUDE_DOCUMENTS"); v != "" {
		cfg.IncludeDocuments = v == "true"
	}
	if v := os.Getenv("OUTPUT_ROOT"); v != "" {
		cfg.OutputRoot = v
	}
	if v := os.Getenv("TEMP_ROOT"); v != "" {
		cfg.TempRoot = v
	}
	if v := os.Getenv("SALT_FILE"); v != "" {
		cfg.SaltFile = v
	}
	if v := os.Getenv("RESEARCH_TRIAL_ID"); v != "" {
		cfg.ResearchContext.TrialID = v
	}
	if v := os.Getenv("RESEARCH_SITE_ID"); v != "" {
		cfg.ResearchContext.SiteID = v
	}
	if v := os.Getenv("RESEARCH_SUBJECT_ID"); v != "" {
		cfg.ResearchContext.SubjectID = v
	}
	if v := os.Getenv("DETECTION_ENDPOINT"); v != "" {
		cfg.DetectionEndpoint = v
	}
	if v := os.Getenv("DETECTION_OPTIONAL"); v != "" {
		cfg.DetectionOptional = v != "false"
	}
	if v := os.Getenv("DETECTION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DetectionTimeoutMs = n
		}
	}
	if v := os.Getenv("AUDIT_DB_PATH"); v != "" {
		cfg.AuditDBPath = v
	}
	if v := os.Getenv("STATUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StatusPort = n
		}
	}
	if v := os.Getenv("STATUS_TOKEN"); v != "" {
		cfg.StatusToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// loadSalt populates cfg.AnonymizationSalt from ANONYMIZATION_SALT (raw
// bytes, for ephemeral/test use) or from cfg.SaltFile, env taking
// precedence. The salt is the HMAC key every deterministic UID remap and
// date shift derives from; it is deliberately excluded from JSON
// marshaling so it never round-trips into a log or a written config file.
func loadSalt(cfg *Config) {
	if v := os.Getenv("ANONYMIZATION_SALT"); v != "" {
		cfg.AnonymizationSalt = []byte(v)
		return
	}
	if cfg.SaltFile == "" {
		return
	}
	b, err := os.ReadFile(cfg.SaltFile) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // absent salt file is valid until preflight demands one
	}
	cfg.AnonymizationSalt = b
}
