package flowclass

import (
	"encoding/json"
	"fmt"

	"github.com/okapi-sec/okapi/internal/app/actions"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
)

// ListNetworkConnectionsFlowClassName is the FlowClass.Name() of
// ListNetworkConnections.
const ListNetworkConnectionsFlowClassName = "ListNetworkConnections"

// listNetworkConnections asks the agent for its current connection table
// and persists each NetworkConnection it returns as one Result.
type listNetworkConnections struct{}

func (listNetworkConnections) Name() string { return ListNetworkConnectionsFlowClassName }
func (listNetworkConnections) NewArgs() any { return &actions.ListNetworkConnectionsArgs{} }

func (listNetworkConnections) States() map[string]flowengine.StateFunc {
	return map[string]flowengine.StateFunc{
		"Start": listNetworkConnectionsStart,
		"Done":  listNetworkConnectionsDone,
	}
}

func listNetworkConnectionsStart(fc *flowengine.FlowContext, _ []flow.Response) (flowengine.Outcome, error) {
	var args actions.ListNetworkConnectionsArgs
	if err := fc.Args(&args); err != nil {
		return flowengine.Outcome{}, fmt.Errorf("flowclass: decode ListNetworkConnections args: %w", err)
	}
	if err := fc.CallClient("ListNetworkConnections", args, "Done"); err != nil {
		return flowengine.Outcome{}, err
	}
	return flowengine.Outcome{}, nil
}

func listNetworkConnectionsDone(fc *flowengine.FlowContext, responses []flow.Response) (flowengine.Outcome, error) {
	for _, r := range responses {
		if r.Kind == flow.ResponseKindStatus {
			if r.Status != nil && r.Status.Kind != flow.StatusOK {
				return flowengine.Outcome{Terminated: true}, fmt.Errorf("flowclass: ListNetworkConnections failed: %s", r.Status.Message)
			}
			continue
		}
		var conn actions.NetworkConnection
		if err := json.Unmarshal(r.Payload, &conn); err != nil {
			return flowengine.Outcome{}, fmt.Errorf("flowclass: decode NetworkConnection result: %w", err)
		}
		if err := fc.SendReply(conn); err != nil {
			return flowengine.Outcome{}, err
		}
	}
	return flowengine.Outcome{Terminated: true}, nil
}

func init() {
	flowengine.Register(listNetworkConnections{})
}

var _ flowengine.FlowClass = listNetworkConnections{}
