package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/jobflow/internal/bus"
	"github.com/t77yq/jobflow/internal/model"
	"github.com/t77yq/jobflow/internal/storage"
)

// ErrRuleNotFound is returned for unknown rule IDs
var ErrRuleNotFound = errors.New("rule not found")

// GetRule returns a rule by ID
func (e *Engine) GetRule(id string) (*model.NotificationRule, error) {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()

	rule, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	cp := *rule
	return &cp, nil
}

// AddRule adds a new notification rule
func (e *Engine) AddRule(rule *model.NotificationRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = e.newID()
	}
	rule.CreatedAt = e.now().UTC()
	rule.UpdatedAt = rule.CreatedAt

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if _, ok := e.rules[rule.ID]; ok {
		return fmt.Errorf("rule %s: %w", rule.ID, storage.ErrDuplicate)
	}
	cp := *rule
	e.rules[rule.ID] = &cp
	return nil
}

// UpdateRule updates an existing notification rule
func (e *Engine) UpdateRule(rule *model.NotificationRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	old, ok := e.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = old.CreatedAt
	rule.UpdatedAt = e.now().UTC()
	cp := *rule
	e.rules[rule.ID] = &cp
	return nil
}

// DeleteRule deletes a notification rule
func (e *Engine) DeleteRule(id string) error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()

	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	return nil
}

// ListRules returns all rules ordered by ID
func (e *Engine) ListRules() []*model.NotificationRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()

	rules := make([]*model.NotificationRule, 0, len(e.rules))
	for _, rule := range e.rules {
		cp := *rule
		rules = append(rules, &cp)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// LoadRules adds every rule, typically from configuration
func (e *Engine) LoadRules(rules []model.NotificationRule) error {
	for i := range rules {
		rule := rules[i]
		if err := e.AddRule(&rule); err != nil {
			return fmt.Errorf("rule %q: %w", rule.Name, err)
		}
	}
	return nil
}

func validateRule(rule *model.NotificationRule) error {
	if rule.Recipient == "" {
		return fmt.Errorf("%w: rule recipient is required", ErrInvalidRequest)
	}
	switch rule.Channel {
	case model.ChannelEmail, model.ChannelSMS, model.ChannelPush:
	default:
		return fmt.Errorf("%w: unsupported channel %q", ErrInvalidRequest, rule.Channel)
	}
	if !rule.OnSuccess && !rule.OnFailure && !rule.OnDead {
		return fmt.Errorf("%w: rule %q never fires", ErrInvalidRequest, rule.Name)
	}
	return nil
}

func (e *Engine) matchingRules(outcome *model.ExecutionOutcome) []*model.NotificationRule {
	var matched []*model.NotificationRule
	for _, rule := range e.ListRules() {
		if rule.Matches(outcome) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// OnOutcome submits one notification per rule matching outcome. Requests
// are keyed by instance, attempt and rule so a redelivered outcome never
// notifies twice.
func (e *Engine) OnOutcome(ctx context.Context, outcome *model.ExecutionOutcome) error {
	var errs []error
	for _, rule := range e.matchingRules(outcome) {
		subject, body := render(outcome)
		_, err := e.Send(ctx, SendRequest{
			Channel:          rule.Channel,
			Recipient:        rule.Recipient,
			Subject:          subject,
			Body:             body,
			SourceInstanceID: outcome.InstanceID,
			DedupeKey:        fmt.Sprintf("%s:%d:%s", outcome.InstanceID, outcome.Attempt, rule.ID),
		})
		if err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				continue
			}
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) handleOutcome(ctx context.Context, evt bus.Event) error {
	var outcome model.ExecutionOutcome
	if err := evt.Decode(&outcome); err != nil {
		e.logger.Error("Dropping malformed execution outcome", zap.String("event_id", evt.ID), zap.Error(err))
		return nil
	}
	return e.OnOutcome(ctx, &outcome)
}

func render(o *model.ExecutionOutcome) (string, string) {
	name := o.JobName
	if name == "" {
		name = o.JobID
	}
	name = strings.Join(strings.Fields(name), " ")

	var subject string
	switch {
	case o.Result == model.OutcomeSuccess:
		subject = fmt.Sprintf("[jobflow] %s succeeded", name)
	case o.Status == model.InstanceStatusDead:
		subject = fmt.Sprintf("[jobflow] %s is dead", name)
	default:
		subject = fmt.Sprintf("[jobflow] %s failed", name)
	}

	body := fmt.Sprintf("Job: %s\nInstance: %s\nAttempt: %d\nStatus: %s\nDuration: %dms\nTime: %s\n",
		name, o.InstanceID, o.Attempt, o.Status, o.DurationMs, o.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	if o.Error != "" {
		body += "Error: " + o.Error + "\n"
	}
	return subject, body
}
