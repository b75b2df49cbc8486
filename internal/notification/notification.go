// Package notification reads the camera's backchannel: a TCP stream of JSON
// objects, each keyed by the event that produced it.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultPort is the camera's backchannel port.
const DefaultPort = 6000

// Type names a backchannel event by its top-level JSON key.
type Type string

const (
	TypeRecordingStarted    Type = "recording_started"
	TypeRecordingStopped    Type = "recording_stopped"
	TypeTagCreated          Type = "tag_created"
	TypePhotoCaptured       Type = "photo_captured"
	TypeMemoryLow           Type = "memory_low"
	TypeWifiStopped         Type = "wifi_stopped"
	TypeTranscodingProgress Type = "transcoding_progress"
	TypeViewfinderStarted   Type = "viewfinder_started"
	TypeViewfinderStopped   Type = "viewfinder_stopped"
	TypeShuttingDown        Type = "shutting_down"
	TypeMemoryError         Type = "memory_error"
	TypeUnknown             Type = "unknown"
)

var knownTypes = []Type{
	TypeRecordingStarted,
	TypeRecordingStopped,
	TypeTagCreated,
	TypePhotoCaptured,
	TypeMemoryLow,
	TypeWifiStopped,
	TypeTranscodingProgress,
	TypeViewfinderStarted,
	TypeViewfinderStopped,
	TypeShuttingDown,
	TypeMemoryError,
}

var ErrNotObject = errors.New("notification is not a JSON object")

// Notification is one decoded backchannel event. Payload holds the body
// under the event key; the typed fields are filled for events that carry
// them.
type Notification struct {
	Type    Type
	Payload json.RawMessage

	RecordingActive  *bool
	WifiActive       *bool
	ViewfinderActive *bool
	ProgressPct      *int
}

// String renders the event for terminal output.
func (n Notification) String() string {
	var details []string
	if n.RecordingActive != nil {
		details = append(details, fmt.Sprintf("recording_active=%t", *n.RecordingActive))
	}
	if n.WifiActive != nil {
		details = append(details, fmt.Sprintf("wifi_active=%t", *n.WifiActive))
	}
	if n.ViewfinderActive != nil {
		details = append(details, fmt.Sprintf("viewfinder_active=%t", *n.ViewfinderActive))
	}
	if n.ProgressPct != nil {
		details = append(details, fmt.Sprintf("progress_pct=%d", *n.ProgressPct))
	}
	if len(details) == 0 {
		return string(n.Type)
	}
	return string(n.Type) + " " + strings.Join(details, " ")
}

type eventBody struct {
	RecordingActive  *bool `json:"recording_active"`
	WifiActive       *bool `json:"wifi_active"`
	ViewfinderActive *bool `json:"viewfinder_active"`
	ProgressPct      *int  `json:"progress_pct"`
}

// Parse decodes one JSON object. The first known event key wins; an object
// with none of them is returned as TypeUnknown with the whole object as
// payload.
func Parse(data []byte) (Notification, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if obj == nil {
		return Notification{}, ErrNotObject
	}

	for _, t := range knownTypes {
		body, ok := obj[string(t)]
		if !ok {
			continue
		}
		n := Notification{Type: t, Payload: body}
		var fields eventBody
		// Events such as shutting_down carry a bare value rather than an
		// object, which leaves the typed fields empty.
		if json.Unmarshal(body, &fields) == nil {
			n.RecordingActive = fields.RecordingActive
			n.WifiActive = fields.WifiActive
			n.ViewfinderActive = fields.ViewfinderActive
			n.ProgressPct = fields.ProgressPct
		}
		return n, nil
	}
	return Notification{Type: TypeUnknown, Payload: json.RawMessage(data)}, nil
}
