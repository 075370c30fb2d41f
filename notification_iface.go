package apns

// Notification is the payload collaborator: anything that compiles to a
// header map and a JSON body. The notification package provides the usual
// implementation; RawNotification covers pre-compiled payloads.
type Notification interface {
	Headers() map[string]string
	Body() []byte
}

// channelPreparer is implemented by notifications that know how to reshape
// themselves for the channel management endpoints.
type channelPreparer interface {
	EnsurePushType()
	StripNonChannelProperties()
}

// RawNotification is a pre-compiled notification.
type RawNotification struct {
	Header  map[string]string
	Payload []byte
}

func (r RawNotification) Headers() map[string]string { return r.Header }
func (r RawNotification) Body() []byte               { return r.Payload }

// built is the compiled wire form of a notification.
type built struct {
	headers map[string]string
	body    []byte
}

func buildNotification(n Notification) built {
	if n == nil {
		return built{headers: map[string]string{}, body: []byte("{}")}
	}
	headers := n.Headers()
	if headers == nil {
		headers = map[string]string{}
	}
	return built{headers: headers, body: n.Body()}
}
