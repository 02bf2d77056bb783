package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateInboundWake(t *testing.T) {
	msg := &Message{
		Type:      TypeWake,
		CommandID: "c1",
		Data:      json.RawMessage(`{"hostName":"PHANTOM","mac":"AA:BB:CC:DD:EE:FF"}`),
	}
	payload, err := msg.ValidateInbound()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	wake, ok := payload.(*WakeCommand)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if wake.HostName != "PHANTOM" || wake.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("unexpected payload: %+v", wake)
	}
}

func TestValidateInboundRequiresCommandID(t *testing.T) {
	for _, typ := range []string{TypeWake, TypeScan, TypeUpdateHost, TypeDeleteHost, TypePingHost} {
		msg := &Message{Type: typ, Data: json.RawMessage(`{}`)}
		if _, err := msg.ValidateInbound(); err == nil {
			t.Errorf("type %q without commandId accepted", typ)
		}
	}
	// Non-dispatchable frames need no commandId.
	msg := &Message{Type: TypePing, Data: json.RawMessage(`{"timestamp":1}`)}
	if _, err := msg.ValidateInbound(); err != nil {
		t.Errorf("ping rejected: %v", err)
	}
}

func TestValidateInboundUnknownType(t *testing.T) {
	msg := &Message{Type: "self-destruct", CommandID: "c1"}
	if _, err := msg.ValidateInbound(); err == nil {
		t.Error("unknown type accepted")
	}
}

func TestValidateInboundEnvelopeOnly(t *testing.T) {
	// Envelope problems are boundary failures and drop the frame.
	bad := []Message{
		{Type: TypeWake, Data: json.RawMessage(`{"hostName":"x","mac":"AA:BB:CC:DD:EE:FF"}`)}, // no commandId
		{Type: TypeRegistered, Data: json.RawMessage(`{"nodeId":"n1"}`)},                      // no heartbeatInterval
		{Type: TypeWake, CommandID: "c", Data: json.RawMessage(`{"hostName":`)},               // malformed data
	}
	for i, msg := range bad {
		if _, err := msg.ValidateInbound(); err == nil {
			t.Errorf("case %d (%s) accepted", i, msg.Type)
		}
	}

	// Field-level problems on dispatchable commands pass the boundary so
	// the handler can fail the command instead of dropping it.
	fieldBad := Message{Type: TypeWake, CommandID: "c", Data: json.RawMessage(`{"hostName":"x","mac":"zz:zz"}`)}
	payload, err := fieldBad.ValidateInbound()
	if err != nil {
		t.Fatalf("dispatchable frame with bad field dropped at boundary: %v", err)
	}
	if err := ValidateStruct(payload); err == nil {
		t.Error("bad MAC accepted by struct validation")
	}
}

func TestValidateStructFieldRules(t *testing.T) {
	bad := []any{
		&WakeCommand{HostName: "x", MAC: "zz:zz"},
		&WakeCommand{MAC: "AA:BB:CC:DD:EE:FF"},
		&UpdateHostCommand{Name: "x", IP: "999.9.9.9"},
		&UpdateHostCommand{Name: "x", Status: "hibernating"},
		&PingHostCommand{HostName: "x", MAC: "AA:BB:CC:DD:EE:FF"},
	}
	for i, payload := range bad {
		if err := ValidateStruct(payload); err == nil {
			t.Errorf("case %d accepted: %+v", i, payload)
		}
	}

	good := &UpdateHostCommand{
		CurrentName: "old",
		Name:        "new",
		MAC:         "AA:BB:CC:DD:EE:FF",
		IP:          "192.168.1.4",
		Status:      "awake",
		Tags:        []string{"a", "b"},
	}
	if err := ValidateStruct(good); err != nil {
		t.Errorf("valid update-host rejected: %v", err)
	}
}

func TestValidateOutbound(t *testing.T) {
	valid := CommandResultPayload{NodeID: "n1", CommandID: "c1", Success: true, Timestamp: 123}
	if err := ValidateOutbound(valid); err != nil {
		t.Errorf("valid result rejected: %v", err)
	}

	invalid := CommandResultPayload{CommandID: "c1"}
	if err := ValidateOutbound(invalid); err == nil {
		t.Error("result without nodeId/timestamp accepted")
	}

	host := HostPayload{NodeID: "n1", Name: "x", MAC: "AA:BB:CC:DD:EE:FF", IP: "192.168.1.2", Status: "awake"}
	if err := ValidateOutbound(host); err != nil {
		t.Errorf("valid host payload rejected: %v", err)
	}
	host.Status = "zombie"
	if err := ValidateOutbound(host); err == nil {
		t.Error("invalid status accepted")
	}
}

func TestSupportedVersion(t *testing.T) {
	if !SupportedVersion(Version) {
		t.Error("own version not supported")
	}
	if SupportedVersion("9.9.9") {
		t.Error("bogus version supported")
	}
}

func TestSanitizeRedactsSecrets(t *testing.T) {
	raw := []byte(`{"type":"register","authToken":"s3cret","data":{"sessionToken":"abc","password":"pw","name":"ok"}}`)
	sanitized := SanitizeRaw(raw)

	out, _ := json.Marshal(sanitized)
	s := string(out)
	if strings.Contains(s, "s3cret") || strings.Contains(s, "abc") || strings.Contains(s, "pw") {
		t.Errorf("secrets leaked: %s", s)
	}
	if !strings.Contains(s, "[REDACTED]") || !strings.Contains(s, "ok") {
		t.Errorf("unexpected sanitized output: %s", s)
	}
}

func TestSanitizeTruncation(t *testing.T) {
	long := strings.Repeat("x", 3000)
	got := Sanitize(long).(string)
	if len(got) >= 3000 || !strings.HasSuffix(got, "[TRUNCATED]") {
		t.Errorf("long string not truncated: len=%d", len(got))
	}

	arr := make([]any, 80)
	for i := range arr {
		arr[i] = i
	}
	out := Sanitize(arr).([]any)
	if len(out) != maxLoggedItems+1 {
		t.Errorf("array length %d, want %d", len(out), maxLoggedItems+1)
	}

	deep := map[string]any{}
	cur := deep
	for i := 0; i < 10; i++ {
		next := map[string]any{}
		cur["n"] = next
		cur = next
	}
	cur["leaf"] = "value"
	out2, _ := json.Marshal(Sanitize(deep))
	if !strings.Contains(string(out2), "TRUNCATED:depth") {
		t.Errorf("deep nesting not truncated: %s", out2)
	}
	if strings.Contains(string(out2), "leaf") {
		t.Errorf("leaf beyond depth limit leaked: %s", out2)
	}
}

func TestSanitizeRawNonJSON(t *testing.T) {
	got, ok := SanitizeRaw([]byte("not json at all")).(string)
	if !ok || got != "not json at all" {
		t.Errorf("unexpected: %v", got)
	}
}
