package models

// StubRule is a request matcher plus canned response held by the stub server.
// The ID is issued by the server on creation.
type StubRule struct {
	ID       string         `json:"id,omitempty"`
	Request  RequestMatcher `json:"request"`
	Response StubResponse   `json:"response"`
}

// RequestMatcher matches recorded or incoming requests on the stub server
type RequestMatcher struct {
	Method       string                   `json:"method,omitempty"`
	URL          string                   `json:"url,omitempty"`
	URLPath      string                   `json:"urlPath,omitempty"`
	BodyPatterns []map[string]interface{} `json:"bodyPatterns,omitempty"`
}

// StubResponse is the canned response template of a stub rule
type StubResponse struct {
	Status   int               `json:"status"`
	Body     string            `json:"body,omitempty"`
	JSONBody interface{}       `json:"jsonBody,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// RecordedRequest is one entry of the stub server request journal
type RecordedRequest struct {
	URL         string              `json:"url"`
	AbsoluteURL string              `json:"absoluteUrl,omitempty"`
	Method      string              `json:"method"`
	Body        string              `json:"body,omitempty"`
	Headers     map[string]string   `json:"headers,omitempty"`
	QueryParams map[string][]string `json:"queryParams,omitempty"`
}
