package relay

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/retailshift/relay/pkg/domain"
)

// RoutingRule maps topics to a category. A Match ending in "*" is a prefix
// match, anything else must equal the topic.
type RoutingRule struct {
	Match    string          `mapstructure:"match" yaml:"match"`
	Category domain.Category `mapstructure:"category" yaml:"category"`
}

// TopicRouter decides which aggregation category an envelope feeds.
// Topics without a matching rule fall back to domain.CategoryOf.
type TopicRouter struct {
	exact    map[string]domain.Category
	prefixes []RoutingRule // longest prefix first
	mu       sync.RWMutex
}

// NewTopicRouter creates a router with the given extra rules
func NewTopicRouter(rules []RoutingRule) (*TopicRouter, error) {
	tr := &TopicRouter{}
	if err := tr.UpdatePolicy(rules); err != nil {
		return nil, err
	}
	return tr, nil
}

// Route returns the category for env
func (tr *TopicRouter) Route(env domain.Envelope) domain.Category {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if c, ok := tr.exact[env.Topic]; ok {
		return c
	}
	for _, rule := range tr.prefixes {
		if strings.HasPrefix(env.Topic, strings.TrimSuffix(rule.Match, "*")) {
			return rule.Category
		}
	}
	return domain.CategoryOf(env.Topic)
}

// UpdatePolicy replaces the routing rules
func (tr *TopicRouter) UpdatePolicy(rules []RoutingRule) error {
	exact := make(map[string]domain.Category)
	var prefixes []RoutingRule

	for _, rule := range rules {
		if !rule.Category.IsValid() {
			return fmt.Errorf("routing rule %q: unknown category %q", rule.Match, rule.Category)
		}
		switch {
		case rule.Match == "" || rule.Match == "*":
			return fmt.Errorf("routing rule %q: match must name a topic or prefix", rule.Match)
		case strings.HasSuffix(rule.Match, "*"):
			prefixes = append(prefixes, rule)
		default:
			exact[rule.Match] = rule.Category
		}
	}

	sort.SliceStable(prefixes, func(i, j int) bool {
		return len(prefixes[i].Match) > len(prefixes[j].Match)
	})

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.exact = exact
	tr.prefixes = prefixes
	return nil
}
