package eventbus

import (
	"encoding/json"
	"fmt"
)

// decodePayload reconstructs the typed Payload for kind from raw JSON bytes.
// It is used by broker-backed transports (RedisBus) that cannot serialize
// the Payload interface directly and must re-hydrate it from wire bytes.
func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindTaskDispatched:
		var p TaskDispatchedPayload
		return p, json.Unmarshal(raw, &p)
	case KindAgentTaskStarted:
		var p AgentTaskStartedPayload
		return p, json.Unmarshal(raw, &p)
	case KindAgentTaskCompleted:
		var p AgentTaskCompletedPayload
		return p, json.Unmarshal(raw, &p)
	case KindAgentTaskFailed:
		var p AgentTaskFailedPayload
		return p, json.Unmarshal(raw, &p)
	case KindTestPassed, KindTestFailed:
		var p TestResultPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		p.OverallPassed = kind == KindTestPassed
		return p, nil
	case KindWorkflowBranchCreated:
		var p WorkflowBranchCreatedPayload
		return p, json.Unmarshal(raw, &p)
	case KindWorkflowCompleted:
		var p WorkflowCompletedPayload
		return p, json.Unmarshal(raw, &p)
	case KindWorkflowBlocked:
		var p WorkflowBlockedPayload
		return p, json.Unmarshal(raw, &p)
	default:
		return nil, fmt.Errorf("eventbus: unknown kind %q", kind)
	}
}
