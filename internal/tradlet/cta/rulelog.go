package cta

import (
	"encoding/json"
	"time"

	"github.com/yanun0323/errors"
)

// RuleState is the durable lifecycle of one rule.
type RuleState uint8

const (
	RuleToEnter RuleState = iota
	RuleOpening
	RuleHolding
	RuleStopLoss
	RuleTakeProfit
	RuleTimeout
	RuleDiscarded
)

var ruleStateNames = map[RuleState]string{
	RuleToEnter:    "ToEnter",
	RuleOpening:    "Opening",
	RuleHolding:    "Holding",
	RuleStopLoss:   "StopLoss",
	RuleTakeProfit: "TakeProfit",
	RuleTimeout:    "Timeout",
	RuleDiscarded:  "Discarded",
}

func (s RuleState) String() string {
	if name, ok := ruleStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Done reports whether the state is terminal.
func (s RuleState) Done() bool {
	switch s {
	case RuleStopLoss, RuleTakeProfit, RuleTimeout, RuleDiscarded:
		return true
	}
	return false
}

func (s RuleState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *RuleState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range ruleStateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return errors.Errorf("unknown rule state %q", name)
}

// StateChange is one audit entry; Reason is the human-readable trigger.
type StateChange struct {
	Timestamp int64     `json:"timestamp"`
	State     RuleState `json:"state"`
	Reason    string    `json:"reason"`
}

// RuleLog is the durable per-rule record: current state plus the full
// ordered change history.
type RuleLog struct {
	ID      string        `json:"id"`
	State   RuleState     `json:"state"`
	Changes []StateChange `json:"changes"`
}

// NewRuleLog starts a fresh log in ToEnter.
func NewRuleLog(rule *Rule) *RuleLog {
	return &RuleLog{
		ID:    rule.ID,
		State: RuleToEnter,
		Changes: []StateChange{{
			Timestamp: time.Now().UnixMilli(),
			State:     RuleToEnter,
			Reason:    "创建",
		}},
	}
}

// ChangeState transitions and appends to the history. Terminal states
// never transition again; returns whether the state changed.
func (l *RuleLog) ChangeState(state RuleState, reason string) bool {
	if l.State.Done() || l.State == state {
		return false
	}
	l.State = state
	l.Changes = append(l.Changes, StateChange{
		Timestamp: time.Now().UnixMilli(),
		State:     state,
		Reason:    reason,
	})
	return true
}
