package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject, including required identifiers.
// Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch subject {
	case SubjectTaskExecute:
		var p TaskExecutePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TaskID == "" {
			return errors.New("tasks.execute: task_id is required")
		}
	case SubjectTaskEvents:
		var p TaskEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.TaskID == "" || p.Type == "" {
			return errors.New("tasks.events: task_id and type are required")
		}
	case SubjectTaskRevoke:
		var p TaskRevokePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.JobHandle == "" {
			return errors.New("tasks.revoke: job_handle is required")
		}
	}
	return nil
}
