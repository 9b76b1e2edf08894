package twilio

import (
	"bytes"
	"encoding/xml"
)

// PlayTwiML returns the instruction document that plays one clip into a call.
func PlayTwiML(assetURL string) string {
	var b bytes.Buffer
	b.WriteString("<Response><Play>")
	xml.EscapeText(&b, []byte(assetURL))
	b.WriteString("</Play></Response>")
	return b.String()
}

// StreamTwiML returns the answer document for an inbound call: an optional
// spoken greeting, then a media stream to wsURL. The long pause keeps the
// call leg open while the stream runs.
func StreamTwiML(wsURL, greeting string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	if greeting != "" {
		b.WriteString("<Say>")
		xml.EscapeText(&b, []byte(greeting))
		b.WriteString("</Say>")
	}
	b.WriteString(`<Start><Stream url="`)
	xml.EscapeText(&b, []byte(wsURL))
	b.WriteString(`"/></Start><Pause length="3600"/></Response>`)
	return b.String()
}

// RejectTwiML returns a polite hangup document for calls the service cannot
// take, such as when no public host is configured.
func RejectTwiML(message string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Say>`)
	xml.EscapeText(&b, []byte(message))
	b.WriteString("</Say><Hangup/></Response>")
	return b.String()
}
