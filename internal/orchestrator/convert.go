package orchestrator

import (
	"path/filepath"

	"github.com/Iron-Ham/controlroom/internal/config"
	"github.com/Iron-Ham/controlroom/internal/endpoint"
	"github.com/Iron-Ham/controlroom/internal/errors"
	"github.com/Iron-Ham/controlroom/internal/logging"
	"github.com/Iron-Ham/controlroom/internal/session"
	"github.com/Iron-Ham/controlroom/internal/tmux"
	"github.com/Iron-Ham/controlroom/internal/workflow"
)

// autoMode converts configured auto mode settings to the machine's form.
// Stage names were checked by config validation.
func autoMode(c config.AutoModeConfig) workflow.AutoModeConfig {
	out := workflow.AutoModeConfig{
		Enabled:             c.Enabled,
		AutoAdvance:         c.AutoAdvance,
		RequireConfirmation: c.RequireConfirmation,
		DesignatedSession:   c.DesignatedSession,
		Commands:            make(map[workflow.Stage]string, len(c.Commands)),
		StagePhases:         make(map[workflow.Stage]string, len(c.StagePhases)),
	}
	for k, v := range c.Commands {
		out.Commands[workflow.Stage(k)] = v
	}
	for k, v := range c.StagePhases {
		out.StagePhases[workflow.Stage(k)] = v
	}
	return out
}

// template resolves a named template for a project. Relative directories
// are taken from the project root.
func template(s *config.ProjectSettings, name string) (session.Template, error) {
	tc, ok := s.Templates[name]
	if !ok {
		return session.Template{}, errors.NewNotFoundError("template", name)
	}
	dir := tc.Dir
	switch {
	case dir == "":
		dir = s.Dir
	case !filepath.IsAbs(dir):
		dir = filepath.Join(s.Dir, dir)
	}
	return session.Template{Name: name, Title: tc.Title, Command: tc.Command, Dir: dir}, nil
}

// layout resolves a named layout and the templates its panes refer to.
func layout(s *config.ProjectSettings, name string) (session.SessionLayout, error) {
	lc, ok := s.Layouts[name]
	if !ok {
		return session.SessionLayout{}, errors.NewNotFoundError("layout", name)
	}

	out := session.SessionLayout{Name: name}
	for _, wc := range lc.Windows {
		w := session.WindowLayout{Title: wc.Title}
		for _, tc := range wc.Tabs {
			tab := session.TabLayout{Title: tc.Title}
			for _, pc := range tc.Panes {
				tmpl, err := template(s, pc.Template)
				if err != nil {
					return session.SessionLayout{}, err
				}
				tab.Panes = append(tab.Panes, session.Pane{Template: tmpl, Split: endpoint.Split(pc.Split)})
			}
			w.Tabs = append(w.Tabs, tab)
		}
		out.Windows = append(out.Windows, w)
	}
	return out, nil
}

// NewDialer builds the dialer for the configured endpoint backend.
func NewDialer(c config.EndpointConfig, logger *logging.Logger) endpoint.Dialer {
	if c.Backend == config.BackendTmux {
		return &tmux.Dialer{Socket: c.TmuxSocket, Logger: logger}
	}
	return &endpoint.WebsocketDialer{
		URL:        c.URL,
		UnixSocket: c.UnixSocket,
		Timeout:    c.DialTimeout(),
		Logger:     logger,
	}
}

func backoff(c config.ReconnectConfig) session.Backoff {
	return session.Backoff{
		Initial:     c.InitialBackoff(),
		Max:         c.MaxBackoff(),
		MaxAttempts: c.MaxAttempts,
	}
}
