package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration for errors. Struct tags cover the field
// shapes; cross-field rules are checked explicitly.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid configuration: %s", formatValidationErrors(verrs))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}

	if cfg.Storage.Adapter == "s3" {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when storage.adapter is s3")
		}
	}

	if cfg.Quota.DefaultSoft > 0 && cfg.Quota.DefaultHard > 0 &&
		cfg.Quota.DefaultSoft > cfg.Quota.DefaultHard {
		return fmt.Errorf("quota.default_soft must not exceed quota.default_hard")
	}

	return nil
}

// formatValidationErrors renders validator errors with the config field path
// instead of the Go struct path.
func formatValidationErrors(verrs validator.ValidationErrors) string {
	msg := ""
	for i, verr := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("field %q failed rule %q", verr.Namespace(), verr.Tag())
	}
	return msg
}
