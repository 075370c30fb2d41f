// Package payload models the JSON body of an APNs notification: the
// Apple-defined `aps` dictionary plus app-specific custom data merged at
// the root level.
//
// For the field semantics, see the Apple Developer Documentation:
// https://developer.apple.com/documentation/usernotifications/generating-a-remote-notification
package payload

import (
	"encoding/json"
	"maps"
)

// Alert is the user-visible content of a notification.
type Alert struct {
	Title    string `json:"title,omitempty"`
	Subtitle string `json:"subtitle,omitempty"`
	Body     string `json:"body,omitempty"`

	TitleLocKey  string   `json:"title-loc-key,omitempty"`
	TitleLocArgs []string `json:"title-loc-args,omitempty"`
	LocKey       string   `json:"loc-key,omitempty"`
	LocArgs      []string `json:"loc-args,omitempty"`
	LaunchImage  string   `json:"launch-image,omitempty"`
}

// APS is the Apple-defined dictionary of a notification payload.
type APS struct {
	Alert            *Alert `json:"alert,omitempty"`
	Badge            *int   `json:"badge,omitempty"`
	Sound            string `json:"sound,omitempty"`
	ContentAvailable int    `json:"content-available,omitempty"`
	MutableContent   int    `json:"mutable-content,omitempty"`
	Category         string `json:"category,omitempty"`
	ThreadID         string `json:"thread-id,omitempty"`
	TargetContentID  string `json:"target-content-id,omitempty"`
	InterruptionLvl  string `json:"interruption-level,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"`
	Event            string `json:"event,omitempty"`
}

// Payload is the full notification body. CustomData keys are merged at the
// root level, alongside the `aps` dictionary.
//
// PushType and MessageStoragePolicy are channel-management properties; the
// channels API expects them inside the body rather than as headers. They
// are omitted from the JSON unless set.
type Payload struct {
	APS        APS
	CustomData map[string]any

	PushType             string
	MessageStoragePolicy *int
}

// Badge returns a pointer suitable for APS.Badge. A zero badge clears the
// icon, so the field is a pointer to distinguish "unset" from zero.
func Badge(n int) *int {
	return &n
}

// StoragePolicy returns a pointer suitable for Payload.MessageStoragePolicy.
func StoragePolicy(n int) *int {
	return &n
}

// MarshalJSON merges the aps dictionary, the custom data, and any
// channel-management properties at the root level of the payload.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var mp map[string]any
	if len(p.CustomData) > 0 {
		mp = maps.Clone(p.CustomData)
	} else {
		mp = make(map[string]any, 3)
	}
	mp["aps"] = p.APS
	if p.PushType != "" {
		mp["push-type"] = p.PushType
	}
	if p.MessageStoragePolicy != nil {
		mp["message-storage-policy"] = *p.MessageStoragePolicy
	}
	return json.Marshal(mp)
}
