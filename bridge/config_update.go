package bridge

import "sort"

// RuleSetting is one entry of an incoming BridgeUpdate: a TopicRule
// tagged with the direction it applies in.
type RuleSetting struct {
	Direction Direction
	Rule      TopicRule
}

// BridgeUpdate is a pump pair's complete desired rule set, delivered as
// a single message so the diff against the current set is always
// computed from one consistent snapshot rather than a stream of
// incremental edits.
type BridgeUpdate struct {
	Endpoint string
	Settings []RuleSetting
}

// intoParts splits Settings by direction: Out and Both rules forward
// local publications upstream, In and Both rules subscribe upstream and
// forward into the embedded broker.
func (u BridgeUpdate) intoParts() (forwards, subscriptions []TopicRule) {
	for _, s := range u.Settings {
		switch s.Direction {
		case DirectionOut:
			forwards = append(forwards, s.Rule)
		case DirectionIn:
			subscriptions = append(subscriptions, s.Rule)
		case DirectionBoth:
			forwards = append(forwards, s.Rule)
			subscriptions = append(subscriptions, s.Rule)
		}
	}
	return forwards, subscriptions
}

// PumpDiff is the set of TopicRule changes to apply to one pump's
// current rule set.
type PumpDiff struct {
	Added   []TopicRule
	Removed []TopicRule
}

// HasUpdates reports whether the diff carries any change.
func (d PumpDiff) HasUpdates() bool { return len(d.Added) > 0 || len(d.Removed) > 0 }

// BridgeDiff is the diff for both of a bridge's pumps, computed from a
// single incoming BridgeUpdate.
type BridgeDiff struct {
	Forwards      PumpDiff
	Subscriptions PumpDiff
}

// HasAnyUpdates reports whether either pump's diff carries a change.
func (d BridgeDiff) HasAnyUpdates() bool {
	return d.Forwards.HasUpdates() || d.Subscriptions.HasUpdates()
}

// diffTopicRules compares updated against current, keyed by each rule's
// subscribe-to filter. A rule present in both with an identical value
// produces no change; one present in both with a different value (a
// prefix edit, say) surfaces as a removal of the old value and an add
// of the new one, never an in-place mutation.
func diffTopicRules(updated []TopicRule, current map[string]TopicRule) PumpDiff {
	var diff PumpDiff
	seen := make(map[string]bool, len(updated))
	for _, r := range updated {
		k := r.key()
		seen[k] = true
		existing, ok := current[k]
		if ok && existing != r {
			diff.Removed = append(diff.Removed, existing)
		}
		if !ok || existing != r {
			diff.Added = append(diff.Added, r)
		}
	}
	for k, r := range current {
		if !seen[k] {
			diff.Removed = append(diff.Removed, r)
		}
	}
	sortRules(diff.Added)
	sortRules(diff.Removed)
	return diff
}

func sortRules(rules []TopicRule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].key() < rules[j].key() })
}

// PumpApplier pushes a computed diff out to a live pump. The updater
// only commits a diff to its own bookkeeping once ApplyForwards or
// ApplySubscriptions reports success, so a failed push can always be
// retried by resubmitting the same BridgeUpdate.
type PumpApplier interface {
	ApplyForwards(diff PumpDiff) error
	ApplySubscriptions(diff PumpDiff) error
}

// ConfigUpdater tracks the rule set each of a bridge's two pumps
// currently has applied, and reconciles it against newly pushed
// configuration one BridgeUpdate at a time.
type ConfigUpdater struct {
	applier       PumpApplier
	forwards      map[string]TopicRule
	subscriptions map[string]TopicRule
}

// NewConfigUpdater builds a ConfigUpdater with empty current rule sets;
// the first Apply call will add every rule in the update.
func NewConfigUpdater(applier PumpApplier) *ConfigUpdater {
	return &ConfigUpdater{
		applier:       applier,
		forwards:      make(map[string]TopicRule),
		subscriptions: make(map[string]TopicRule),
	}
}

// Apply diffs update against the updater's current rule sets, pushes
// each pump's non-empty diff to the applier in turn, and advances the
// in-memory current set for a pump only after its push succeeds. If
// ApplyForwards fails, subscriptions are still attempted; the returned
// diff always reflects what was computed, independent of what was
// actually committed.
func (u *ConfigUpdater) Apply(update BridgeUpdate) (BridgeDiff, error) {
	forwardRules, subRules := update.intoParts()
	diff := BridgeDiff{
		Forwards:      diffTopicRules(forwardRules, u.forwards),
		Subscriptions: diffTopicRules(subRules, u.subscriptions),
	}

	var firstErr error
	if diff.Forwards.HasUpdates() {
		if err := u.applier.ApplyForwards(diff.Forwards); err != nil {
			firstErr = err
		} else {
			applyPumpDiff(u.forwards, diff.Forwards)
		}
	}
	if diff.Subscriptions.HasUpdates() {
		if err := u.applier.ApplySubscriptions(diff.Subscriptions); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			applyPumpDiff(u.subscriptions, diff.Subscriptions)
		}
	}
	return diff, firstErr
}

func applyPumpDiff(current map[string]TopicRule, diff PumpDiff) {
	for _, r := range diff.Removed {
		delete(current, r.key())
	}
	for _, r := range diff.Added {
		current[r.key()] = r
	}
}
