package bridge

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
)

// Rule directions.
const (
	// DirectionUp forwards local traffic to the cloud.
	DirectionUp = "up"

	// DirectionDown forwards cloud traffic to the local broker.
	DirectionDown = "down"
)

// topicPlaceholder is expanded per message with the matched topic.
const topicPlaceholder = "${topic}"

// ErrUnknownPlaceholder is returned when a rule template references a
// metadata key the device does not define.
var ErrUnknownPlaceholder = errors.New("bridge: unknown placeholder")

// placeholderPattern matches ${key} occurrences in rule templates.
var placeholderPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)\}`)

// Rule is one compiled bridging rule. Metadata placeholders are already
// expanded; only ${topic} remains for per-message expansion.
type Rule struct {
	Name      string
	Direction string
	Local     string
	Remote    string
	QoS       byte
}

// CompileRules expands the metadata placeholders in every configured
// rule.
//
// Parameters:
//   - cfgs: Rules from config.yaml (already validated)
//   - device: Device identity; id, site, and metadata feed the templates
//
// Returns:
//   - []Rule: Compiled rules in configuration order
//   - error: ErrUnknownPlaceholder when a template names a missing key
func CompileRules(cfgs []config.BridgeConfig, device config.DeviceConfig) ([]Rule, error) {
	vars := templateVars(device)

	rules := make([]Rule, 0, len(cfgs))
	for _, cfg := range cfgs {
		local, err := expand(cfg.Local, vars)
		if err != nil {
			return nil, fmt.Errorf("rule %q local: %w", cfg.Name, err)
		}
		remote, err := expand(cfg.Remote, vars)
		if err != nil {
			return nil, fmt.Errorf("rule %q remote: %w", cfg.Name, err)
		}
		rules = append(rules, Rule{
			Name:      cfg.Name,
			Direction: cfg.Direction,
			Local:     local,
			Remote:    remote,
			QoS:       byte(cfg.QoS),
		})
	}
	return rules, nil
}

// templateVars builds the placeholder table from the device identity.
// Explicit metadata wins over the built-in id and site keys.
func templateVars(device config.DeviceConfig) map[string]string {
	vars := map[string]string{
		"id":   device.ID,
		"site": device.Site,
	}
	for k, v := range device.Metadata {
		vars[k] = v
	}
	return vars
}

// expand substitutes every ${key} except ${topic}, which is deferred to
// per-message mapping.
func expand(template string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[2 : len(match)-1]
		if key == "topic" {
			return match
		}
		v, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return match
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlaceholder, strings.Join(missing, ", "))
	}
	return out, nil
}

// MapTopic expands ${topic} in a compiled template with the matched
// topic. A template without ${topic} maps every match to the same
// literal topic.
func MapTopic(template, topic string) string {
	return strings.ReplaceAll(template, topicPlaceholder, topic)
}
