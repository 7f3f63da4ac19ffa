package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults; validation accepts
// both cases.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	ids := make(map[string]bool)
	for i, conn := range cfg.Connections {
		if ids[conn.ID] {
			return fmt.Errorf("connections[%d]: duplicate connection id %q", i, conn.ID)
		}
		ids[conn.ID] = true

		seen := make(map[string]bool)
		for _, rel := range conn.Relationships {
			if seen[rel] {
				return fmt.Errorf("connections[%d]: duplicate relationship %q", i, rel)
			}
			seen[rel] = true
		}
	}

	// A relationship is either routed or auto-terminated, never both.
	for unit, rels := range cfg.AutoTerminate {
		for _, rel := range rels {
			for i, conn := range cfg.Connections {
				if conn.Source != unit {
					continue
				}
				for _, r := range conn.Relationships {
					if r == rel {
						return fmt.Errorf("auto_terminate[%s]: relationship %q is routed by connections[%d]", unit, rel, i)
					}
				}
			}
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		return fmt.Errorf("metrics: port is required when metrics are enabled")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
