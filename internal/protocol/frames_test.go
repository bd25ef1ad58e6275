package protocol

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := RegisterPayload{
		AgentID:      "agent-1",
		Hostname:     "box1",
		Addresses:    []string{"::1", "127.0.0.2"},
		AgentVersion: "1.0.0",
	}

	f, err := Encode(FrameRegister, want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if f.Type != FrameRegister {
		t.Fatalf("got type %q, want %q", f.Type, FrameRegister)
	}

	var got RegisterPayload
	if err := f.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.AgentID != want.AgentID || got.Hostname != want.Hostname || len(got.Addresses) != 2 {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	f := Frame{Type: FrameAckHeartbeat}
	var got AckHeartbeatPayload
	if err := f.Decode(&got); err != nil {
		t.Fatalf("Decode empty payload should not error: %v", err)
	}
}

func TestErrorKindHTTPStatus(t *testing.T) {
	cases := map[ErrorKind]int{
		ErrInvalidRequest:     400,
		ErrNoAgentsAvailable:  503,
		ErrAgentsSaturated:    503,
		ErrCoordinatorOverload: 503,
		ErrTimeout:            504,
		ErrCancelled:          499,
		ErrBindError:          502,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", kind, got, want)
		}
	}
}

func TestDispatchErrorMessage(t *testing.T) {
	e := NewError(ErrTimeout, "deadline exceeded")
	if e.Error() != "Timeout: deadline exceeded" {
		t.Fatalf("got %q", e.Error())
	}
	e2 := NewError(ErrAgentLost, "")
	if e2.Error() != "AgentLost" {
		t.Fatalf("got %q", e2.Error())
	}
}
