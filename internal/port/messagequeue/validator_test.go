package messagequeue

import "testing"

func TestValidateExecutePayload(t *testing.T) {
	if err := Validate(SubjectTaskExecute, []byte(`{"task_id":"t1"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateExecuteMissingTaskID(t *testing.T) {
	if err := Validate(SubjectTaskExecute, []byte(`{}`)); err == nil {
		t.Fatal("expected error for missing task_id")
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	if err := Validate(SubjectTaskEvents, []byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidateEventPayload(t *testing.T) {
	data := []byte(`{"type":"task_completed","task_id":"t1","agent_id":"a1","status":"completed"}`)
	if err := Validate(SubjectTaskEvents, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateEventMissingType(t *testing.T) {
	if err := Validate(SubjectTaskEvents, []byte(`{"task_id":"t1"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestValidateRevokePayload(t *testing.T) {
	if err := Validate(SubjectTaskRevoke, []byte(`{"job_handle":"jh1"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(SubjectTaskRevoke, []byte(`{}`)); err == nil {
		t.Fatal("expected error for missing job_handle")
	}
}

func TestValidateUnknownSubjectPasses(t *testing.T) {
	if err := Validate("tasks.future", []byte(`{"anything":true}`)); err != nil {
		t.Fatalf("unknown subjects must pass, got %v", err)
	}
}
