package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
)

const protocolSchemaVersion = "1.0.0"

var errInvalidEventPayload = errors.New("invalid event payload")

func validateAndNormalizeEventPayload(eventType string, payload []byte) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: payload must be a json object: %v", errInvalidEventPayload, err)
	}

	if version, ok := body["schemaVersion"].(string); !ok || version == "" {
		body["schemaVersion"] = protocolSchemaVersion
	} else if version != protocolSchemaVersion {
		return nil, fmt.Errorf("%w: schemaVersion must be %s", errInvalidEventPayload, protocolSchemaVersion)
	}

	if err := validatePayloadByType(eventType, body); err != nil {
		return nil, err
	}

	normalized, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal normalized payload: %v", errInvalidEventPayload, err)
	}
	return normalized, nil
}

// validatePayloadByType enforces the minimal field set each orchestration
// kernel event type must carry so downstream subscribers (audit inspectors,
// join evaluation) can rely on its shape without a type switch on Type alone.
func validatePayloadByType(eventType string, payload map[string]any) error {
	required := map[string][]string{
		"run.spawned":         {"runId", "parentRunId", "depth"},
		"run.status_changed":  {"runId", "status"},
		"run.cancelled":       {"runId", "reason"},
		"group.member_joined": {"groupId", "runId", "status"},
		"group.completed":     {"groupId", "status"},
		"group.timed_out":     {"groupId"},
		"replan.triggered":    {"groupId", "reason"},
	}
	for _, key := range required[eventType] {
		if _, ok := payload[key]; !ok {
			return fmt.Errorf("%w: %s requires %s", errInvalidEventPayload, eventType, key)
		}
	}
	return nil
}
