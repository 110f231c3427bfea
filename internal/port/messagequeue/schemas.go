package messagequeue

// TaskExecutePayload is the schema for tasks.execute messages. Only the
// task id travels on the queue; workers re-read the row before acting.
type TaskExecutePayload struct {
	TaskID string `json:"task_id"`
}

// TaskEventPayload is the schema for tasks.events messages: one
// lifecycle transition as observed by the process that applied it.
// Error carries only the sanitized summary.
type TaskEventPayload struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// TaskRevokePayload is the schema for tasks.revoke messages.
type TaskRevokePayload struct {
	JobHandle string `json:"job_handle"`
}
