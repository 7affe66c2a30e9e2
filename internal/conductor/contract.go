package conductor

import (
	"errors"
	"fmt"

	"github.com/canvasmesh/conductor/internal/model"
)

// Result keys the contract checks inspect.
const (
	resultSpokenMessage = "spokenMessage"
	resultStatus        = "status"
)

// verifyContract checks a successful body's result against the expectations
// of its task family. Shape violations are ordinary failures and go through
// the retry backoff like any other error; only a component.update task
// enqueued without a componentId parameter is terminal, since no retry can
// supply the missing target.
func verifyContract(task model.Task, result map[string]any) error {
	switch model.RouteForType(task.Type) {
	case model.RouteComponent:
		if task.Type == model.TypeComponentUpdate && task.StringParam(model.ParamComponentID) == "" {
			return Terminal(errors.New("component.update task missing componentId parameter"))
		}
		if result == nil {
			return errors.New("component task finished without a result")
		}
		return nil

	case model.RouteVoice:
		if msg, _ := result[resultSpokenMessage].(string); msg == "" {
			return errors.New("voice task finished without a spoken message")
		}
		return nil

	case model.RouteResearch:
		// Research may legitimately produce nothing when there is nobody to
		// deliver to; the handler signals that via status.
		if status, _ := result[resultStatus].(string); status == "skipped" || status == "no_remote_participants" {
			return nil
		}
		if result == nil {
			return errors.New("research task finished without a result")
		}
		return nil

	case model.RouteNoop:
		return nil

	default:
		if result == nil {
			return fmt.Errorf("unroutable task type %q produced no result", task.Type)
		}
		return nil
	}
}
