package flowclass

import (
	"encoding/json"
	"fmt"

	"github.com/okapi-sec/okapi/internal/app/actions"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
)

// GetFileFlowClassName is the FlowClass.Name() of GetFile.
const GetFileFlowClassName = "GetFile"

// getFile reads one path off the agent's filesystem in chunks, persisting
// each FileChunk it receives as one Result in offset order.
type getFile struct{}

func (getFile) Name() string { return GetFileFlowClassName }
func (getFile) NewArgs() any { return &actions.GetFileArgs{} }

func (getFile) States() map[string]flowengine.StateFunc {
	return map[string]flowengine.StateFunc{
		"Start": getFileStart,
		"Done":  getFileDone,
	}
}

func getFileStart(fc *flowengine.FlowContext, _ []flow.Response) (flowengine.Outcome, error) {
	var args actions.GetFileArgs
	if err := fc.Args(&args); err != nil {
		return flowengine.Outcome{}, fmt.Errorf("flowclass: decode GetFile args: %w", err)
	}
	if args.Path == "" {
		fc.Terminate(fmt.Errorf("flowclass: GetFile requires a non-empty path"))
		return flowengine.Outcome{Terminated: true}, nil
	}
	if err := fc.CallClient("GetFile", args, "Done"); err != nil {
		return flowengine.Outcome{}, err
	}
	return flowengine.Outcome{}, nil
}

func getFileDone(fc *flowengine.FlowContext, responses []flow.Response) (flowengine.Outcome, error) {
	for _, r := range responses {
		if r.Kind == flow.ResponseKindStatus {
			if r.Status != nil && r.Status.Kind != flow.StatusOK {
				return flowengine.Outcome{Terminated: true}, fmt.Errorf("flowclass: GetFile failed: %s", r.Status.Message)
			}
			continue
		}
		var chunk actions.FileChunk
		if err := json.Unmarshal(r.Payload, &chunk); err != nil {
			return flowengine.Outcome{}, fmt.Errorf("flowclass: decode FileChunk result: %w", err)
		}
		if err := fc.SendReply(chunk); err != nil {
			return flowengine.Outcome{}, err
		}
	}
	return flowengine.Outcome{Terminated: true}, nil
}

func init() {
	flowengine.Register(getFile{})
}

var _ flowengine.FlowClass = getFile{}
