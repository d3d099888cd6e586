package embedding

import "errors"

var (
	ErrAPIConfig    = errors.New("embedding API configuration missing")
	ErrAPITransport = errors.New("embedding API unreachable")
	ErrAPIProtocol  = errors.New("embedding API returned a malformed response")
)
