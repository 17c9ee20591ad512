package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate checks the configuration for problems that would only surface
// mid-attempt otherwise.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("logger.level: unknown level %q", cfg.Logger.Level))
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logger.format: unknown format %q", cfg.Logger.Format))
	}

	if cfg.Tracer.Enabled {
		switch cfg.Tracer.Exporter {
		case "stdout", "noop", "":
		default:
			errs = append(errs, fmt.Sprintf("tracer.exporter: unsupported exporter %q", cfg.Tracer.Exporter))
		}
	}

	if cfg.Proposer.Model == "" {
		errs = append(errs, "proposer.model: required")
	}
	if cfg.Remedy.Enabled {
		if cfg.Remedy.Model == "" {
			errs = append(errs, "remedy.model: required when remedy is enabled")
		}
		if cfg.Remedy.AutoFix && cfg.Remedy.WorkspaceDir == "" {
			errs = append(errs, "remedy.workspace_dir: required when auto_fix is enabled")
		}
	}

	if cfg.Flow.MaxActionsPerPhase < 0 || cfg.Flow.MaxRetries < 0 || cfg.Flow.MaxRestarts < 0 {
		errs = append(errs, "flow: budgets must not be negative")
	}

	if cfg.Schedule.Enabled && cfg.Schedule.Cron == "" {
		errs = append(errs, "schedule.cron: required when schedule is enabled")
	}

	if len(cfg.Providers) == 0 {
		errs = append(errs, "providers: at least one provider is required")
	}
	seen := map[string]bool{}
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			errs = append(errs, prefix+".name: required")
		} else if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("%s.name: duplicate provider %q", prefix, p.Name))
		}
		seen[p.Name] = true

		if p.StartURL == "" {
			errs = append(errs, prefix+".start_url: required")
		} else if u, err := url.Parse(p.StartURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("%s.start_url: invalid URL %q", prefix, p.StartURL))
		}
		if p.HomeDomain == "" {
			errs = append(errs, prefix+".home_domain: required")
		}

		for j, ph := range p.Phases {
			if ph.Name == "" {
				errs = append(errs, fmt.Sprintf("%s.phases[%d].name: required", prefix, j))
			}
			if ph.SettleDelay != "" {
				if _, err := time.ParseDuration(ph.SettleDelay); err != nil {
					errs = append(errs, fmt.Sprintf("%s.phases[%d].settle_delay: %v", prefix, j, err))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
