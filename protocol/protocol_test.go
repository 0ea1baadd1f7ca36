package protocol

import (
	"testing"

	"github.com/wippyai/scripthost/tenant"
)

func TestControlRoundTrip(t *testing.T) {
	msg := ControlMessage{
		Guild: "g-1",
		Kind:  ControlLoad,
		Scripts: []tenant.Script{
			{ID: "a", Name: "welcome", Source: "AGFzbQ==", Enabled: true},
		},
	}

	data, err := EncodeControl(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeControl(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Guild != "g-1" || got.Kind != ControlLoad || len(got.Scripts) != 1 {
		t.Errorf("round trip = %+v", got)
	}
	if got.Scripts[0].Name != "welcome" {
		t.Errorf("script = %+v", got.Scripts[0])
	}
}

func TestDecodeControl_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage", `{{{`},
		{"unknown kind", `{"guild":"g","kind":"explode"}`},
		{"unknown field", `{"guild":"g","kind":"load","evil":true}`},
		{"load without guild", `{"kind":"load"}`},
		{"unload with scripts", `{"guild":"g","kind":"unload","scripts":[{"id":"a","name":"n","source":"s","enabled":true}]}`},
		{"shutdown with guild", `{"guild":"g","kind":"shutdown"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeControl([]byte(tt.data)); err == nil {
				t.Errorf("DecodeControl(%s) accepted invalid input", tt.data)
			}
		})
	}
}

func TestStatusRoundTrip(t *testing.T) {
	tests := []StatusMessage{
		{Guild: "g", Kind: StatusAck},
		{Guild: "g", Kind: StatusFault, Scope: ScopeScript, Script: "broken", Reason: "syntax error"},
		{Guild: "g", Kind: StatusTaskResult, Task: "t-1", Outcome: OutcomeCompleted},
		{Guild: "g", Kind: StatusConsoleOutput, Level: "info", Message: "hi"},
		{Kind: StatusLoadReport, Load: []ThreadLoad{{Thread: 0, ActiveGuilds: 2, PendingTasks: 5}}},
	}

	for _, msg := range tests {
		data, err := EncodeStatus(msg)
		if err != nil {
			t.Fatalf("encode %+v: %v", msg, err)
		}
		got, err := DecodeStatus(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if got.Kind != msg.Kind || got.Guild != msg.Guild {
			t.Errorf("round trip %+v != %+v", got, msg)
		}
	}
}

func TestDecodeStatus_UnknownKind(t *testing.T) {
	if _, err := DecodeStatus([]byte(`{"kind":"gossip"}`)); err == nil {
		t.Error("unknown status kind accepted")
	}
}
