// Package alarm implements the Alarm Evaluator: an index of AlarmRules by
// target point, analog hysteresis bands, digital trigger conditions, a
// goja-scripted condition/message path, and the occurrence state machine
// (active/acknowledged/cleared/suppressed/shelved). Structurally grounded
// on internal/pipeline/pipeline.go's per-key serialized processing model —
// each (rule, target) pair gets one mutex-guarded state transition path,
// the same way the teacher serializes per-domain rate-limiter state.
package alarm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/pulseone/collector/domain"
	"github.com/pulseone/collector/internal/telemetry/tracing"
)

// Notifier is invoked whenever an occurrence changes state, for dispatch to
// whatever external channel the runtime wires in (event bus, introspection
// stream, escalation scheduler).
type Notifier interface {
	Notify(domain.AlarmOccurrence)
}

// Engine is the Alarm Evaluator.
type Engine struct {
	mu sync.Mutex

	rulesByTarget map[domain.PointID][]*domain.AlarmRule
	rulesByID     map[string]*domain.AlarmRule
	occurrences   map[string]*domain.AlarmOccurrence // keyed by ruleID+target
	bandState     map[string]bool                    // keyed by ruleID+target+band name, true = currently tripped

	notifier Notifier
	now      func() time.Time
	tracer   tracing.Tracer
}

func NewEngine(rules []domain.AlarmRule, notifier Notifier) *Engine {
	e := &Engine{
		rulesByTarget: make(map[domain.PointID][]*domain.AlarmRule),
		rulesByID:     make(map[string]*domain.AlarmRule),
		occurrences:   make(map[string]*domain.AlarmOccurrence),
		bandState:     make(map[string]bool),
		notifier:      notifier,
		now:           time.Now,
		tracer:        tracing.NewTracer(false),
	}
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		e.rulesByTarget[r.Target] = append(e.rulesByTarget[r.Target], r)
		e.rulesByID[r.ID] = r
	}
	return e
}

// SetTracer wires a Tracer started elsewhere (e.g. the runtime's shared
// tracer) in place of the default no-op. Passing nil is a no-op.
func (e *Engine) SetTracer(t tracing.Tracer) {
	if t != nil {
		e.tracer = t
	}
}

func occurrenceKey(ruleID string, target domain.PointID) string {
	return ruleID + "|" + target.String()
}

// Accept implements pipeline.RuleSink: evaluate every rule watching this
// point against the new value.
func (e *Engine) Accept(point domain.PointID, cv domain.CurrentValue) {
	e.mu.Lock()
	rules := e.rulesByTarget[point]
	e.mu.Unlock()
	for _, r := range rules {
		e.evaluate(r, cv)
	}
}

func (e *Engine) evaluate(r *domain.AlarmRule, cv domain.CurrentValue) {
	_, span := e.tracer.StartSpan(context.Background(), "alarm.evaluate")
	span.SetAttribute("rule_id", r.ID)
	span.SetAttribute("target", cv.Point.String())
	defer span.End()

	switch r.TargetKind {
	case domain.AlarmTargetAnalog:
		e.evaluateAnalog(r, cv)
	case domain.AlarmTargetDigital:
		e.evaluateDigital(r, cv)
	}
}

// evaluateAnalog checks each hysteresis band independently: a band trips
// when the value crosses HighLimit (or drops below LowLimit) and clears
// only once the value has retreated past the band's Deadband margin,
// preventing rapid raise/clear flapping right at the limit (spec S2).
func (e *Engine) evaluateAnalog(r *domain.AlarmRule, cv domain.CurrentValue) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A condition script overrides the built-in threshold bands entirely:
	// the script decides trip/clear for the rule's single implicit band.
	if r.ConditionScript != "" {
		key := r.ID + "|" + cv.Point.String() + "|condition"
		tripped := e.bandState[key]
		met, err := e.evaluateCondition(r.ConditionScript, cv)
		if err != nil {
			return
		}
		if met && !tripped {
			e.bandState[key] = true
			e.raiseLocked(r, cv, 0, fmt.Sprintf("%s: condition met (%.3f)", r.Name, cv.Value))
		} else if !met && tripped && r.AutoClear {
			if e.autoClearLocked(r, cv) {
				e.bandState[key] = false
			}
		}
		return
	}

	for _, band := range r.AnalogBands {
		key := r.ID + "|" + cv.Point.String() + "|" + band.Name
		tripped := e.bandState[key]

		var shouldTrip, shouldClear bool
		if band.HighLimit != 0 || band.LowLimit != 0 {
			if !tripped && band.HighLimit != 0 && cv.Value >= band.HighLimit {
				shouldTrip = true
			}
			if !tripped && band.LowLimit != 0 && cv.Value <= band.LowLimit {
				shouldTrip = true
			}
			if tripped && (band.HighLimit == 0 || cv.Value < band.HighLimit-band.Deadband) && (band.LowLimit == 0 || cv.Value > band.LowLimit+band.Deadband) {
				shouldClear = true
			}
		}

		if shouldTrip && !tripped {
			e.bandState[key] = true
			e.raiseLocked(r, cv, band.Severity, fmt.Sprintf("%s: %s band exceeded (%.3f)", r.Name, band.Name, cv.Value))
		} else if shouldClear && tripped && r.AutoClear {
			if e.autoClearLocked(r, cv) {
				e.bandState[key] = false
			}
		}
	}
}

func (e *Engine) evaluateDigital(r *domain.AlarmRule, cv domain.CurrentValue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := r.ID + "|" + cv.Point.String()
	prevTripped, hadPrev := e.bandState[key+"|prev"]
	current := cv.Value != 0

	var trip bool
	switch r.DigitalTrigger {
	case domain.DigitalOnTrue:
		trip = current
	case domain.DigitalOnFalse:
		trip = !current
	case domain.DigitalOnChange:
		trip = hadPrev && current != prevTripped
	case domain.DigitalOnRising:
		trip = hadPrev && current && !prevTripped
	case domain.DigitalOnFalling:
		trip = hadPrev && !current && prevTripped
	}

	occKey := occurrenceKey(r.ID, cv.Point)
	_, active := e.occurrences[occKey]
	if trip && !active {
		e.raiseLocked(r, cv, 0, fmt.Sprintf("%s: digital trigger fired", r.Name))
	} else if !trip && active && r.AutoClear && digitalAutoClearCondition(r.DigitalTrigger, hadPrev, current, prevTripped) {
		e.autoClearLocked(r, cv)
	}
	e.bandState[key+"|prev"] = current
}

// digitalAutoClearCondition reports whether the current/previous raw digital
// state satisfies the natural inverse of a trigger, the only condition under
// which a digital occurrence may ever auto-clear. on_change has no natural
// inverse (any change re-trips it just as readily as it would clear it), so
// on_change occurrences never auto-clear — only an explicit Clear closes them.
func digitalAutoClearCondition(trigger domain.DigitalTriggerKind, hadPrev, current, prevTripped bool) bool {
	switch trigger {
	case domain.DigitalOnTrue:
		return !current
	case domain.DigitalOnFalse:
		return current
	case domain.DigitalOnRising:
		return hadPrev && !current && prevTripped
	case domain.DigitalOnFalling:
		return hadPrev && current && !prevTripped
	default: // domain.DigitalOnChange
		return false
	}
}

// raiseLocked must be called with e.mu held.
func (e *Engine) raiseLocked(r *domain.AlarmRule, cv domain.CurrentValue, severity int, fallbackMsg string) {
	key := occurrenceKey(r.ID, cv.Point)
	if _, exists := e.occurrences[key]; exists {
		return
	}
	message := fallbackMsg
	if r.MessageScript != "" {
		if rendered, err := e.renderScript(r.MessageScript, cv); err == nil {
			message = rendered
		}
	} else if r.MessageTemplate != "" {
		message = r.MessageTemplate
	}
	if severity == 0 {
		severity = r.Severity
	}
	occ := &domain.AlarmOccurrence{
		ID:       uuid.NewString(),
		RuleID:   r.ID,
		Target:   cv.Point,
		State:    domain.AlarmActive,
		Severity: severity,
		Message:  message,
		RaisedAt: e.now(),
		Value:    cv.Value,
	}
	if r.AutoAcknowledge {
		occ.State = domain.AlarmAcknowledged
		occ.AckedAt = occ.RaisedAt
		occ.AckedBy = "auto"
	}
	e.occurrences[key] = occ
	if e.notifier != nil {
		e.notifier.Notify(*occ)
	}
}

// autoClearLocked clears an occurrence on behalf of the poll/evaluate path
// (as opposed to an operator calling Clear). It honors the latched gate the
// same way an explicit clear does: a latched occurrence that hasn't been
// acknowledged yet stays open even once the underlying condition has
// resolved. Returns whether the clear actually happened, so callers can
// decide whether to reset their own trip-state bookkeeping.
func (e *Engine) autoClearLocked(r *domain.AlarmRule, cv domain.CurrentValue) bool {
	key := occurrenceKey(r.ID, cv.Point)
	occ, exists := e.occurrences[key]
	if !exists {
		return true
	}
	if r.Latched && occ.State != domain.AlarmAcknowledged {
		return false
	}
	e.clearOccurrenceLocked(key, occ, cv.Value, "")
	return true
}

// clearOccurrenceLocked performs the terminal state transition shared by the
// automatic and explicit clear paths; callers are responsible for the
// latched/acknowledged gate.
func (e *Engine) clearOccurrenceLocked(key string, occ *domain.AlarmOccurrence, value float64, comment string) {
	occ.State = domain.AlarmCleared
	occ.ClearedAt = e.now()
	occ.ClearedValue = value
	occ.ClearedComment = comment
	delete(e.occurrences, key)
	if e.notifier != nil {
		e.notifier.Notify(*occ)
	}
}

// Clear closes an active occurrence by operator action, regardless of the
// rule's AutoClear setting. A latched occurrence must be acknowledged first;
// Clear refuses otherwise rather than silently no-op'ing the gate away.
func (e *Engine) Clear(ruleID string, target domain.PointID, by, comment string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := occurrenceKey(ruleID, target)
	occ, exists := e.occurrences[key]
	if !exists {
		return fmt.Errorf("alarm: no active occurrence for %s/%s", ruleID, target)
	}
	if r, ok := e.rulesByID[ruleID]; ok && r.Latched && occ.State != domain.AlarmAcknowledged {
		return fmt.Errorf("alarm: occurrence %s/%s is latched and must be acknowledged before it can be cleared", ruleID, target)
	}
	_ = by // not stored: domain.AlarmOccurrence has no ClearedBy field, and the Notify event carries only the occurrence
	e.clearOccurrenceLocked(key, occ, occ.Value, comment)

	prefix := ruleID + "|" + target.String()
	for k := range e.bandState {
		if k == prefix || strings.HasPrefix(k, prefix+"|") {
			if !strings.HasSuffix(k, "|prev") {
				e.bandState[k] = false
			}
		}
	}
	return nil
}

// Acknowledge transitions an active occurrence to acknowledged.
func (e *Engine) Acknowledge(ruleID string, target domain.PointID, by string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := occurrenceKey(ruleID, target)
	occ, exists := e.occurrences[key]
	if !exists {
		return fmt.Errorf("alarm: no active occurrence for %s/%s", ruleID, target)
	}
	occ.State = domain.AlarmAcknowledged
	occ.AckedAt = e.now()
	occ.AckedBy = by
	if e.notifier != nil {
		e.notifier.Notify(*occ)
	}
	return nil
}

// Active returns a snapshot of all currently active/acknowledged/shelved/
// suppressed occurrences.
func (e *Engine) Active() []domain.AlarmOccurrence {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.AlarmOccurrence, 0, len(e.occurrences))
	for _, occ := range e.occurrences {
		out = append(out, *occ)
	}
	return out
}

// Shelve silences an occurrence's notifications until the given time without
// clearing it, for operator-initiated "acknowledge, but don't page me again
// until tomorrow" workflows.
func (e *Engine) Shelve(ruleID string, target domain.PointID, until time.Time, by string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := occurrenceKey(ruleID, target)
	occ, exists := e.occurrences[key]
	if !exists {
		return fmt.Errorf("alarm: no active occurrence for %s/%s", ruleID, target)
	}
	occ.State = domain.AlarmShelved
	occ.ShelvedUntil = until
	occ.ShelvedBy = by
	if e.notifier != nil {
		e.notifier.Notify(*occ)
	}
	return nil
}

// Suppress marks an occurrence as suppressed (e.g. the target device is
// under planned maintenance); suppressed occurrences stay indexed so a
// renewed trip doesn't re-raise a duplicate, but they're excluded from the
// notification path going forward until the rule next clears and re-trips.
func (e *Engine) Suppress(ruleID string, target domain.PointID, by string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := occurrenceKey(ruleID, target)
	occ, exists := e.occurrences[key]
	if !exists {
		return fmt.Errorf("alarm: no active occurrence for %s/%s", ruleID, target)
	}
	occ.State = domain.AlarmSuppressed
	occ.SuppressedBy = by
	if e.notifier != nil {
		e.notifier.Notify(*occ)
	}
	return nil
}

// UnshelveExpired re-activates any shelved occurrence whose shelf period has
// elapsed, called periodically by the housekeeping scheduler so a shelved
// alarm doesn't stay silent forever.
func (e *Engine) UnshelveExpired() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	n := 0
	for _, occ := range e.occurrences {
		if occ.State == domain.AlarmShelved && !occ.ShelvedUntil.IsZero() && !now.Before(occ.ShelvedUntil) {
			occ.State = domain.AlarmActive
			occ.ShelvedUntil = time.Time{}
			occ.ShelvedBy = ""
			n++
			if e.notifier != nil {
				e.notifier.Notify(*occ)
			}
		}
	}
	return n
}

// DispatchNotifications sends (or re-sends) notifications for occurrences
// whose rule has notifications enabled, called periodically by the
// housekeeping scheduler. An occurrence's first notification fires once
// DelaySec has elapsed since it was raised; after that, it repeats every
// RepeatIntervalMin until the occurrence is acknowledged or cleared. Returns
// the number of notifications dispatched.
func (e *Engine) DispatchNotifications() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	n := 0
	for _, occ := range e.occurrences {
		if occ.State == domain.AlarmSuppressed || occ.State == domain.AlarmShelved {
			continue
		}
		r, ok := e.rulesByID[occ.RuleID]
		if !ok || !r.Notification.Enabled {
			continue
		}
		if !occ.NotificationSent {
			if now.Sub(occ.RaisedAt) < time.Duration(r.Notification.DelaySec)*time.Second {
				continue
			}
			occ.NotificationSent = true
			occ.NotificationTime = now
			occ.NotificationCount++
			n++
			if e.notifier != nil {
				e.notifier.Notify(*occ)
			}
			continue
		}
		if occ.State == domain.AlarmAcknowledged {
			continue
		}
		if r.Notification.RepeatIntervalMin <= 0 {
			continue
		}
		if now.Sub(occ.NotificationTime) >= time.Duration(r.Notification.RepeatIntervalMin)*time.Minute {
			occ.NotificationTime = now
			occ.NotificationCount++
			n++
			if e.notifier != nil {
				e.notifier.Notify(*occ)
			}
		}
	}
	return n
}

// EscalateOverdue bumps the escalation level of occurrences that are still
// active/unacknowledged after a full repeat-notification cycle, up to the
// rule's MaxLevel, called periodically alongside DispatchNotifications.
// Escalation.Rules itself (the per-level action document) is opaque to the
// engine — dispatching on it is the runtime's concern, not the evaluator's.
func (e *Engine) EscalateOverdue() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	n := 0
	for _, occ := range e.occurrences {
		if occ.State != domain.AlarmActive || occ.NotificationCount == 0 {
			continue
		}
		r, ok := e.rulesByID[occ.RuleID]
		if !ok || r.Escalation == nil || !r.Escalation.Enabled {
			continue
		}
		if occ.EscalationLevel >= r.Escalation.MaxLevel {
			continue
		}
		if r.Notification.RepeatIntervalMin <= 0 {
			continue
		}
		if now.Sub(occ.NotificationTime) < time.Duration(r.Notification.RepeatIntervalMin)*time.Minute {
			continue
		}
		occ.EscalationLevel++
		n++
		if e.notifier != nil {
			e.notifier.Notify(*occ)
		}
	}
	return n
}

// renderScript evaluates a goja message script, exposing the triggering
// value and point under the "value" and "point" globals.
func (e *Engine) renderScript(script string, cv domain.CurrentValue) (string, error) {
	vm := goja.New()
	if err := vm.Set("value", cv.Value); err != nil {
		return "", err
	}
	if err := vm.Set("point", cv.Point.String()); err != nil {
		return "", err
	}
	result, err := vm.RunString(script)
	if err != nil {
		return "", err
	}
	return result.String(), nil
}

// evaluateCondition runs a goja condition script returning a bool, used
// when AlarmRule.ConditionScript overrides the built-in threshold logic.
func (e *Engine) evaluateCondition(script string, cv domain.CurrentValue) (bool, error) {
	vm := goja.New()
	if err := vm.Set("value", cv.Value); err != nil {
		return false, err
	}
	result, err := vm.RunString(script)
	if err != nil {
		return false, err
	}
	return result.ToBoolean(), nil
}
