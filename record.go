package tvtap

// Event names carried in the "event" field of a record.
const (
	EventStart       = "start"
	EventMessage     = "message"
	EventEnd         = "end"
	EventHTTPRequest = "http_request"
)

// Direction values for the "dir" field.
const (
	DirOut = "out"
	DirIn  = "in"
)

// Record is one line of the output stream. Which fields are set depends on
// Event:
//
//	start, end:   event, host, path
//	message:      event, dir, host, path, text | bin
//	http_request: event, dir, host, path, method, text | bin,
//	              line_removal, content_type
type Record struct {
	Event       string  `json:"event"`
	Dir         string  `json:"dir,omitempty"`
	Host        string  `json:"host"`
	Path        string  `json:"path"`
	Method      string  `json:"method,omitempty"`
	Text        *string `json:"text,omitempty"`
	Bin         *string `json:"bin,omitempty"`
	LineRemoval bool    `json:"line_removal,omitempty"`
	ContentType string  `json:"content_type,omitempty"`
}

// setContent fills exactly one of Text or Bin from p. Text is cut to limit
// characters; a nil payload is logged as empty binary.
func (r *Record) setContent(p Payload, limit int) {
	switch v := p.(type) {
	case Text:
		s := truncate(string(v), limit)
		r.Text = &s
	case Binary:
		s := v.Base64()
		r.Bin = &s
	default:
		s := ""
		r.Bin = &s
	}
}
