package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func validAddPoints() string {
	return `{"msg_type":"add_points","data":[{"id":"obj-1","objectColor":[255,0,0],"child":[{"id":"p1","frameNumber":0,"x":0.5,"y":0.5,"markerType":1}]}]}`
}

func TestParseAddPoints(t *testing.T) {
	parsed, err := ParseClientMessage([]byte(validAddPoints()))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	msg, ok := parsed.(AddPoints)
	if !ok {
		t.Fatalf("parsed type = %T, want AddPoints", parsed)
	}
	if len(msg.Data) != 1 || msg.Data[0].ID != "obj-1" {
		t.Fatalf("parsed data = %+v, want one object obj-1", msg.Data)
	}
}

func TestParseRejectsOutOfRangeCoordinates(t *testing.T) {
	cases := []struct {
		name string
		x, y float64
	}{
		{"x zero", 0, 0.5},
		{"x one", 1, 0.5},
		{"x negative", -0.2, 0.5},
		{"y zero", 0.5, 0},
		{"y one", 0.5, 1},
		{"y above one", 0.5, 1.7},
	}
	for _, tc := range cases {
		raw := fmt.Sprintf(
			`{"msg_type":"add_points","data":[{"id":"o","objectColor":null,"child":[{"id":"p","frameNumber":0,"x":%v,"y":%v,"markerType":1}]}]}`,
			tc.x, tc.y,
		)
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("%s: ParseClientMessage() error = nil, want range error", tc.name)
		}
	}
}

func TestParseRejectsBadMarkerType(t *testing.T) {
	raw := `{"msg_type":"add_points","data":[{"id":"o","objectColor":null,"child":[{"id":"p","frameNumber":0,"x":0.5,"y":0.5,"markerType":2}]}]}`
	if _, err := ParseClientMessage([]byte(raw)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want marker type error")
	}
}

func TestParseRejectsEmptyChild(t *testing.T) {
	raw := `{"msg_type":"add_points","data":[{"id":"o","objectColor":null,"child":[]}]}`
	if _, err := ParseClientMessage([]byte(raw)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want empty child error")
	}
}

func TestParseRejectsTypePayloadDisagreement(t *testing.T) {
	// remove_object payload must be a list of ids, not objects.
	raw := `{"msg_type":"remove_object","data":[{"id":"obj-1"}]}`
	if _, err := ParseClientMessage([]byte(raw)); err == nil {
		t.Fatalf("ParseClientMessage() error = nil, want payload shape error")
	}
}

func TestParseRejectsLifecycleTypesFromClient(t *testing.T) {
	for _, msgType := range []string{"initialize_model", "terminate_model", "bogus"} {
		raw := fmt.Sprintf(`{"msg_type":%q,"data":null}`, msgType)
		_, err := ParseClientMessage([]byte(raw))
		if !errors.Is(err, ErrUnsupportedType) {
			t.Fatalf("ParseClientMessage(%s) error = %v, want ErrUnsupportedType", msgType, err)
		}
	}
}

func TestParseRemoveObjectAndReset(t *testing.T) {
	parsed, err := ParseClientMessage([]byte(`{"msg_type":"remove_object","data":["obj-1","obj-2"]}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(remove_object) error = %v", err)
	}
	if msg, ok := parsed.(RemoveObject); !ok || len(msg.Data) != 2 {
		t.Fatalf("parsed = %+v, want RemoveObject with two ids", parsed)
	}

	parsed, err = ParseClientMessage([]byte(`{"msg_type":"reset"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(reset) error = %v", err)
	}
	if _, ok := parsed.(Reset); !ok {
		t.Fatalf("parsed type = %T, want Reset", parsed)
	}
}

func TestValidateSingleFrame(t *testing.T) {
	obj := AnnotationObject{
		ID: "o",
		Child: []PointPrompt{
			{ID: "a", FrameNumber: 3, X: 0.2, Y: 0.2, MarkerType: 1},
			{ID: "b", FrameNumber: 3, X: 0.4, Y: 0.4, MarkerType: 0},
		},
	}
	if err := obj.ValidateSingleFrame(); err != nil {
		t.Fatalf("ValidateSingleFrame() error = %v", err)
	}

	obj.Child[1].FrameNumber = 4
	if err := obj.ValidateSingleFrame(); err == nil {
		t.Fatalf("ValidateSingleFrame() error = nil, want same-frame error")
	}
}
