package ws

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeDispatch(t *testing.T) {
	raw := []byte(`{"type":"pty-data","processId":"p1","data":"aGk="}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	if env.Type != TypePTYData {
		t.Fatalf("Type = %q, want %q", env.Type, TypePTYData)
	}

	var frame PTYData
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("Unmarshal frame: %v", err)
	}
	if frame.ProcessID != "p1" || frame.Data != "aGk=" {
		t.Errorf("frame = %+v, want processId=p1 data=aGk=", frame)
	}
}

func TestSpawnOmitsEmptyTask(t *testing.T) {
	data, err := json.Marshal(Spawn{
		Type:      TypeSpawn,
		ProcessID: "p1",
		Agent:     "claude",
		Args:      []string{},
		Cols:      80,
		Rows:      24,
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	if _, ok := m["task"]; ok {
		t.Error("empty task should be omitted")
	}
	if _, ok := m["yoloMode"]; ok {
		t.Error("false yoloMode should be omitted")
	}
}
