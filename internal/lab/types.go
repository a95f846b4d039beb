package lab

import (
	"github.com/javanstorm/nodelab/internal/timing"
	"github.com/javanstorm/nodelab/internal/vm"
)

// InstanceView is an instance as reported to callers.
type InstanceView struct {
	vm.Instance `yaml:",inline"`
	ConsoleURL string `json:"console_url,omitempty" yaml:"console_url,omitempty"`
}

// RunResult describes a started instance.
type RunResult struct {
	Name       string   `json:"name"`
	Ports      vm.Ports `json:"ports"`
	ConsoleURL string   `json:"console_url,omitempty"`

	// Warning is set when the instance runs but its console could not be
	// published.
	Warning string `json:"warning,omitempty"`

	// GatewayErr carries the GatewaySyncFailed error behind Warning.
	GatewayErr error `json:"-"`

	Timer *timing.Timer `json:"-"`
}

// StopResult describes a stop request.
type StopResult struct {
	Name       string `json:"name"`
	WasRunning bool   `json:"was_running"`
}

// WipeResult describes a wiped instance.
type WipeResult struct {
	Name       string `json:"name"`
	WasRunning bool   `json:"was_running"`
	Warning    string `json:"warning,omitempty"`
}

// Outcome is the per-instance result of a batch wipe.
type Outcome string

const (
	OutcomeWiped   Outcome = "wiped"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// WipeOutcome reports what happened to one instance during WipeAll.
type WipeOutcome struct {
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
	Warning string  `json:"warning,omitempty"`
}

// Policy names of WipeAll.
const (
	PolicyContinue = "continue"
	PolicyHalt     = "halt"
)

// WipeAllResult lists the outcome for every instance in registry order.
type WipeAllResult struct {
	Policy   string        `json:"policy"`
	Outcomes []WipeOutcome `json:"outcomes"`
}

// Failed returns the number of failed instances.
func (r *WipeAllResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// ReconcileResult summarizes a startup reconciliation.
type ReconcileResult struct {
	Running   []string `json:"running"`
	Corrected []string `json:"corrected"`
	Killed    []string `json:"killed"`
}
