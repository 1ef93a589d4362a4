package notify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Tokal-27/DropMe/internal/domain"
)

// Routes maps alert severities and kinds to Slack channels. Loaded once at
// startup from a YAML file and read-only afterwards.
type Routes struct {
	Default    string            `yaml:"default"`
	Severities map[string]string `yaml:"severities"`
	Kinds      map[string]string `yaml:"kinds"`
}

// LoadRoutes parses a routes file. A missing path yields empty routes, which
// make every event fall through to the notifier's default channel.
func LoadRoutes(path string) (Routes, error) {
	var routes Routes
	if path == "" {
		return routes, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return routes, fmt.Errorf("read notify routes: %w", err)
	}
	if err := yaml.Unmarshal(data, &routes); err != nil {
		return routes, fmt.Errorf("parse notify routes: %w", err)
	}
	return routes, nil
}

// ChannelFor resolves the delivery channel for an event. Kind routes win over
// severity routes; both fall back to the default.
func (r Routes) ChannelFor(event domain.AlertEvent) string {
	if ch, ok := r.Kinds[event.Kind]; ok && ch != "" {
		return ch
	}
	if ch, ok := r.Severities[string(event.Severity)]; ok && ch != "" {
		return ch
	}
	return r.Default
}
