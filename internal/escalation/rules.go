package escalation

import (
	"fmt"
	"os"

	"prodline-monitor/internal/models"

	"gopkg.in/yaml.v3"
)

// RuleTable 升级规则表（按优先级索引，加载后只读）
type RuleTable struct {
	rules map[models.AndonPriority]*models.EscalationRule
}

// ruleFile YAML 规则文件结构
type ruleFile struct {
	Rules []models.EscalationRule `yaml:"rules"`
}

// LoadRuleTable 从 YAML 文件加载升级规则表
func LoadRuleTable(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	return NewRuleTable(file.Rules)
}

// NewRuleTable 构建并校验规则表
// 校验规则：
// - 每个优先级至多一条规则，优先级取值合法
// - 至少一个级别，级别从 1 开始连续递增
// - 每个级别 delay_minutes > 0 且 recipients 非空
// - resolution_timeout_minutes >= 0（0 表示不监控解决超时）
func NewRuleTable(rules []models.EscalationRule) (*RuleTable, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule table is empty")
	}

	table := &RuleTable{
		rules: make(map[models.AndonPriority]*models.EscalationRule, len(rules)),
	}

	for i := range rules {
		rule := rules[i]
		if !rule.Priority.Valid() {
			return nil, fmt.Errorf("invalid priority %q in rule table", rule.Priority)
		}
		if _, exists := table.rules[rule.Priority]; exists {
			return nil, fmt.Errorf("duplicate rule for priority %q", rule.Priority)
		}
		if len(rule.Levels) == 0 {
			return nil, fmt.Errorf("priority %q has no levels", rule.Priority)
		}
		if rule.ResolutionTimeoutMinutes < 0 {
			return nil, fmt.Errorf("priority %q has negative resolution timeout", rule.Priority)
		}
		for j := range rule.Levels {
			level := &rule.Levels[j]
			if level.Level != j+1 {
				return nil, fmt.Errorf("priority %q levels must be consecutive starting at 1, got %d at position %d",
					rule.Priority, level.Level, j)
			}
			if level.DelayMinutes <= 0 {
				return nil, fmt.Errorf("priority %q level %d has non-positive delay", rule.Priority, level.Level)
			}
			if len(level.Recipients) == 0 {
				return nil, fmt.Errorf("priority %q level %d has no recipients", rule.Priority, level.Level)
			}
		}
		table.rules[rule.Priority] = &rule
	}

	return table, nil
}

// For 返回指定优先级的规则，未配置时返回 nil
func (t *RuleTable) For(priority models.AndonPriority) *models.EscalationRule {
	return t.rules[priority]
}

// MustHave 返回指定优先级的规则，未配置时返回错误
func (t *RuleTable) MustHave(priority models.AndonPriority) (*models.EscalationRule, error) {
	rule := t.rules[priority]
	if rule == nil {
		return nil, fmt.Errorf("no escalation rule configured for priority %q", priority)
	}
	return rule, nil
}
