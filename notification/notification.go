// Package notification models the metadata of an APNs notification and
// compiles it into the header map and JSON body the delivery layer puts on
// the wire.
package notification

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pushgate/apns/payload"
)

// PushType is the delivery class of a notification, sent as the
// `apns-push-type` header. APNs requires it on every request and rejects
// values outside the set below; the strings are defined by the protocol.
type PushType string

const (
	Alert        PushType = "alert"
	Background   PushType = "background"
	Complication PushType = "complication"
	Controls     PushType = "controls"
	Fileprovider PushType = "fileprovider"
	Liveactivity PushType = "liveactivity"
	Location     PushType = "location"
	Mdm          PushType = "mdm"
	Pushtotalk   PushType = "pushtotalk"
	Voip         PushType = "voip"
	Widgets      PushType = "widgets"
)

// Priority is the delivery priority, sent as the `apns-priority` header.
// PriorityDefault leaves the header unset, so APNs applies its own default
// of immediate delivery.
type Priority int

const (
	PriorityDefault   Priority = 0
	PriorityPowerOnly Priority = 1
	PriorityConserve  Priority = 5
	PriorityImmediate Priority = 10
)

// headerValue renders the priority for the wire. Only the values APNs
// defines produce a header; anything else is left unset.
func (p Priority) headerValue() (string, bool) {
	switch p {
	case PriorityPowerOnly, PriorityConserve, PriorityImmediate:
		return strconv.Itoa(int(p)), true
	}
	return "", false
}

// Expiration controls how long APNs stores a notification it cannot
// deliver right away, sent as the `apns-expiration` header. The zero value
// omits the header and APNs applies its default storage.
type Expiration struct {
	set  bool
	unix int64
}

// ExpireAt has APNs retry delivery until t, then discard the notification.
func ExpireAt(t time.Time) Expiration {
	return Expiration{set: true, unix: t.UTC().Unix()}
}

// ExpireImmediately has APNs attempt delivery once and discard the
// notification if the device is unreachable. On the wire this is epoch
// zero.
func ExpireImmediately() Expiration {
	return Expiration{set: true}
}

func (e Expiration) headerValue() (string, bool) {
	if !e.set {
		return "", false
	}
	return strconv.FormatInt(e.unix, 10), true
}

// Notification carries the delivery metadata and payload of a single
// notification. The zero value is usable; New fills in a canonical
// notification id.
type Notification struct {
	// APNsID is the canonical UUID of the notification (`apns-id`).
	APNsID string
	// CollapseID coalesces multiple notifications into one (`apns-collapse-id`).
	CollapseID string
	// Topic is the application bundle identifier (`apns-topic`).
	Topic string
	// Type is the `apns-push-type` header value.
	Type PushType
	// Priority is the delivery priority (`apns-priority`).
	Priority Priority
	// Expiration is the notification expiration (`apns-expiration`).
	Expiration Expiration
	// RequestID correlates requests and responses (`apns-request-id`).
	RequestID string
	// ChannelID addresses a broadcast channel (`apns-channel-id`).
	ChannelID string

	// Payload is the notification body. A nil payload compiles to the
	// empty object, which the delivery layer does not put on the wire.
	Payload *payload.Payload
}

// New returns a Notification for topic with a generated canonical id.
func New(topic string) *Notification {
	return &Notification{
		APNsID: uuid.NewString(),
		Topic:  topic,
		Type:   Alert,
	}
}

// Headers returns the `apns-*` header fields of the notification. Unset
// fields are omitted.
func (n *Notification) Headers() map[string]string {
	h := make(map[string]string, 8)
	if n.APNsID != "" {
		h["apns-id"] = n.APNsID
	}
	if n.CollapseID != "" {
		h["apns-collapse-id"] = n.CollapseID
	}
	if n.Topic != "" {
		h["apns-topic"] = n.Topic
	}
	if n.Type != "" {
		h["apns-push-type"] = string(n.Type)
	}
	if v, ok := n.Priority.headerValue(); ok {
		h["apns-priority"] = v
	}
	if v, ok := n.Expiration.headerValue(); ok {
		h["apns-expiration"] = v
	}
	if n.RequestID != "" {
		h["apns-request-id"] = n.RequestID
	}
	if n.ChannelID != "" {
		h["apns-channel-id"] = n.ChannelID
	}
	return h
}

// Body compiles the payload to JSON. A nil payload, or one that fails to
// marshal (custom data can hold unmarshalable values), compiles to the
// empty object.
func (n *Notification) Body() []byte {
	if n.Payload == nil {
		return []byte("{}")
	}
	body, err := json.Marshal(n.Payload)
	if err != nil {
		return []byte("{}")
	}
	return body
}

// EnsurePushType folds the notification's push type into the payload for
// channel creation; the channels API reads it from the body, not from a
// header. Liveactivity is the only push type channels support, so it is
// the fallback.
func (n *Notification) EnsurePushType() {
	if n.Payload == nil {
		n.Payload = &payload.Payload{}
	}
	if n.Payload.PushType != "" {
		return
	}
	if n.Type != "" && n.Type != Alert {
		n.Payload.PushType = string(n.Type)
		return
	}
	n.Payload.PushType = string(Liveactivity)
}

// StripNonChannelProperties clears delivery-only metadata that the channel
// management endpoints reject.
func (n *Notification) StripNonChannelProperties() {
	n.APNsID = ""
	n.CollapseID = ""
	n.Topic = ""
	n.Type = ""
	n.Priority = PriorityDefault
	n.Expiration = Expiration{}
}

// Clone returns a shallow copy sharing the payload.
func (n *Notification) Clone() *Notification {
	clone := *n
	return &clone
}
