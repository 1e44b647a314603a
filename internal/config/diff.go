package config

import (
	"reflect"
	"sort"
	"strings"

	logx "settle/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections, (2) safe
// structured attrs for logging, and (3) the names of rules that were added,
// removed, or modified. Used on live reload so the log tells the operator
// what actually changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 8)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)))
		} else {
			attrs = append(attrs, logx.String("storage.driver", "none"))
		}
	}

	// History
	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.retention", newCfg.History.Retention),
			logx.String("history.prune_schedule", newCfg.History.Schedule()),
		)
	}

	// Rules
	rules := diffRules(oldCfg.Rules, newCfg.Rules)
	if len(rules) > 0 {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Int("rules.count", len(newCfg.Rules)),
			logx.String("rules.changed", strings.Join(rules, ",")),
		)
	}

	return changed, attrs, rules
}

func diffRules(oldRules, newRules []RuleConfig) []string {
	oldByName := make(map[string]RuleConfig, len(oldRules))
	for _, r := range oldRules {
		oldByName[r.Name] = r
	}
	newByName := make(map[string]RuleConfig, len(newRules))
	for _, r := range newRules {
		newByName[r.Name] = r
	}

	changed := make([]string, 0, len(newRules))
	for name, nr := range newByName {
		or, ok := oldByName[name]
		if !ok || !reflect.DeepEqual(or, nr) {
			changed = append(changed, name)
		}
	}
	for name := range oldByName {
		if _, ok := newByName[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}
