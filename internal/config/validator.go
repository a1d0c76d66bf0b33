package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "attention.poll_interval_ms")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidSplits returns the list of valid pane split directions
func ValidSplits() []string {
	return []string{"", "vertical", "horizontal"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateEndpoint()...)
	errors = append(errors, c.validatePlan()...)
	errors = append(errors, c.validateAttention()...)
	errors = append(errors, c.validateAutoMode()...)
	errors = append(errors, c.validateSessions()...)
	errors = append(errors, c.validateProjects()...)

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateEndpoint() []ValidationError {
	var errors []ValidationError
	e := c.Endpoint

	if !slices.Contains(ValidBackends(), e.Backend) {
		errors = append(errors, ValidationError{
			Field:   "endpoint.backend",
			Value:   e.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}

	if e.Backend == BackendWebsocket && e.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "endpoint.url",
			Value:   e.URL,
			Message: "is required for the websocket backend",
		})
	}

	if e.Backend == BackendTmux && e.TmuxSocket == "" {
		errors = append(errors, ValidationError{
			Field:   "endpoint.tmux_socket",
			Value:   e.TmuxSocket,
			Message: "is required for the tmux backend",
		})
	}

	if e.DialTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "endpoint.dial_timeout_ms",
			Value:   e.DialTimeoutMs,
			Message: "must be positive",
		})
	}

	r := e.Reconnect
	if r.InitialBackoffMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "endpoint.reconnect.initial_backoff_ms",
			Value:   r.InitialBackoffMs,
			Message: "must be positive",
		})
	}
	if r.MaxBackoffMs < r.InitialBackoffMs {
		errors = append(errors, ValidationError{
			Field:   "endpoint.reconnect.max_backoff_ms",
			Value:   r.MaxBackoffMs,
			Message: fmt.Sprintf("must be at least initial_backoff_ms (%d)", r.InitialBackoffMs),
		})
	}
	if r.MaxAttempts < 0 {
		errors = append(errors, ValidationError{
			Field:   "endpoint.reconnect.max_attempts",
			Value:   r.MaxAttempts,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validatePlan() []ValidationError {
	var errors []ValidationError

	if c.Plan.File == "" {
		errors = append(errors, ValidationError{
			Field:   "plan.file",
			Value:   c.Plan.File,
			Message: "must not be empty",
		})
	}

	if c.Plan.DebounceMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "plan.debounce_ms",
			Value:   c.Plan.DebounceMs,
			Message: "must be positive",
		})
	}

	if c.Plan.SettleMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "plan.settle_ms",
			Value:   c.Plan.SettleMs,
			Message: "must be non-negative",
		})
	}

	if c.Plan.RescanMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "plan.rescan_ms",
			Value:   c.Plan.RescanMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateAttention() []ValidationError {
	var errors []ValidationError
	a := c.Attention

	if a.PollIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "attention.poll_interval_ms",
			Value:   a.PollIntervalMs,
			Message: "must be positive",
		})
	}

	if a.SampleWindowMs < a.PollIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "attention.sample_window_ms",
			Value:   a.SampleWindowMs,
			Message: fmt.Sprintf("must be at least poll_interval_ms (%d)", a.PollIntervalMs),
		})
	}

	for i, pattern := range a.IdlePromptPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("attention.idle_prompt_patterns[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid regular expression: %v", err),
			})
		}
	}

	return errors
}

func (c *Config) validateAutoMode() []ValidationError {
	return validateAutoMode("auto_mode", c.AutoMode)
}

func validateAutoMode(prefix string, a AutoModeConfig) []ValidationError {
	var errors []ValidationError

	for stage := range a.Commands {
		if stage == "done" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".commands.done",
				Value:   a.Commands[stage],
				Message: "done is terminal and cannot carry a command",
			})
			continue
		}
		if !slices.Contains(ValidStages(), stage) {
			errors = append(errors, ValidationError{
				Field:   prefix + ".commands",
				Value:   stage,
				Message: fmt.Sprintf("unknown stage, must be one of: %s", strings.Join(ValidStages(), ", ")),
			})
		}
	}

	for stage := range a.StagePhases {
		if !slices.Contains(ValidStages(), stage) || stage == "done" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".stage_phases",
				Value:   stage,
				Message: "unknown or terminal stage",
			})
		}
	}

	return errors
}

func (c *Config) validateSessions() []ValidationError {
	var errors []ValidationError

	for name, tmpl := range c.Sessions.Templates {
		if tmpl.Layout != "" {
			if _, ok := c.Sessions.Layouts[tmpl.Layout]; !ok {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("sessions.templates.%s.layout", name),
					Value:   tmpl.Layout,
					Message: "references an undefined layout",
				})
			}
		}
	}

	for name, layout := range c.Sessions.Layouts {
		errors = append(errors, c.validateLayout(name, layout)...)
	}

	return errors
}

func (c *Config) validateLayout(name string, layout LayoutConfig) []ValidationError {
	var errors []ValidationError
	field := "sessions.layouts." + name

	if len(layout.Windows) == 0 {
		errors = append(errors, ValidationError{
			Field:   field + ".windows",
			Value:   0,
			Message: "must define at least one window",
		})
	}

	for wi, w := range layout.Windows {
		if len(w.Tabs) == 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.windows[%d].tabs", field, wi),
				Value:   0,
				Message: "must define at least one tab",
			})
		}
		for ti, tab := range w.Tabs {
			tabField := fmt.Sprintf("%s.windows[%d].tabs[%d]", field, wi, ti)
			if len(tab.Panes) == 0 {
				errors = append(errors, ValidationError{
					Field:   tabField + ".panes",
					Value:   0,
					Message: "must define at least one pane",
				})
			}
			for pi, pane := range tab.Panes {
				if pane.Template != "" {
					tmpl, ok := c.Sessions.Templates[pane.Template]
					if !ok {
						errors = append(errors, ValidationError{
							Field:   fmt.Sprintf("%s.panes[%d].template", tabField, pi),
							Value:   pane.Template,
							Message: "references an undefined template",
						})
					} else if tmpl.Layout != "" {
						errors = append(errors, ValidationError{
							Field:   fmt.Sprintf("%s.panes[%d].template", tabField, pi),
							Value:   pane.Template,
							Message: "pane templates cannot themselves be layouts",
						})
					}
				}
				if !slices.Contains(ValidSplits(), pane.Split) {
					errors = append(errors, ValidationError{
						Field:   fmt.Sprintf("%s.panes[%d].split", tabField, pi),
						Value:   pane.Split,
						Message: "must be vertical or horizontal",
					})
				}
			}
		}
	}

	return errors
}

func (c *Config) validateProjects() []ValidationError {
	var errors []ValidationError
	seen := make(map[string]bool)

	for i, p := range c.Projects {
		if p.Name == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("projects[%d].name", i),
				Value:   p.Name,
				Message: "must not be empty",
			})
		} else if seen[p.Name] {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("projects[%d].name", i),
				Value:   p.Name,
				Message: "duplicate project name",
			})
		}
		seen[p.Name] = true

		if p.Dir == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("projects[%d].dir", i),
				Value:   p.Dir,
				Message: "must not be empty",
			})
		}
	}

	return errors
}
