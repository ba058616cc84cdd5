// Package flowclass holds the built-in FlowClass implementations every
// Okapi deployment registers: single-action investigations that round-trip
// one CallClient and fan the agent's response out as Results (spec.md §8
// scenario 2, "Two-step flow").
package flowclass

import (
	"encoding/json"
	"fmt"

	"github.com/okapi-sec/okapi/internal/app/actions"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
)

// ListProcessesFlowClassName is the FlowClass.Name() of ListProcesses.
const ListProcessesFlowClassName = "ListProcesses"

// listProcesses asks the agent for its running process table and persists
// each Process it returns as one Result.
type listProcesses struct{}

func (listProcesses) Name() string { return ListProcessesFlowClassName }
func (listProcesses) NewArgs() any { return &actions.ListProcessesArgs{} }

func (listProcesses) States() map[string]flowengine.StateFunc {
	return map[string]flowengine.StateFunc{
		"Start": listProcessesStart,
		"Done":  listProcessesDone,
	}
}

func listProcessesStart(fc *flowengine.FlowContext, _ []flow.Response) (flowengine.Outcome, error) {
	var args actions.ListProcessesArgs
	if err := fc.Args(&args); err != nil {
		return flowengine.Outcome{}, fmt.Errorf("flowclass: decode ListProcesses args: %w", err)
	}
	if err := fc.CallClient("ListProcesses", args, "Done"); err != nil {
		return flowengine.Outcome{}, err
	}
	return flowengine.Outcome{}, nil
}

func listProcessesDone(fc *flowengine.FlowContext, responses []flow.Response) (flowengine.Outcome, error) {
	for _, r := range responses {
		if r.Kind == flow.ResponseKindStatus {
			if r.Status != nil && r.Status.Kind != flow.StatusOK {
				return flowengine.Outcome{Terminated: true}, fmt.Errorf("flowclass: ListProcesses failed: %s", r.Status.Message)
			}
			continue
		}
		var p actions.Process
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			return flowengine.Outcome{}, fmt.Errorf("flowclass: decode Process result: %w", err)
		}
		if err := fc.SendReply(p); err != nil {
			return flowengine.Outcome{}, err
		}
	}
	return flowengine.Outcome{Terminated: true}, nil
}

func init() {
	flowengine.Register(listProcesses{})
}

var _ flowengine.FlowClass = listProcesses{}
