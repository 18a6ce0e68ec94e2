package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when a request reaches the handler. The publish
// context carries the request context and its request ID.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is emitted after the handler wrote its response.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Bytes    int64
	Duration time.Duration
}
