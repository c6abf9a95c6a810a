package graceful

import "net/http"

// Kind is one of the closed set of failures an operation can report.
type Kind int

const (
	Unknown Kind = iota
	FailedCaughtResponse
	AtomicConflict
	Uninitialized
	FailedPrediction
	InvalidModelKey
	OverCapacity
	HubError
	NoFilePath
	InvalidFilePath
	InvalidFileType
	NotFound
	MissingRequestBody
	InvalidRequest
	InvalidType
	InvalidQueryParameter
	StoppedByUser
	EndpointFailed
)

type kindInfo struct {
	name   string
	code   int
	status int
}

var kinds = map[Kind]kindInfo{
	Unknown:               {"Unknown", 9999, http.StatusInternalServerError},
	FailedCaughtResponse:  {"FailedCaughtResponse", 9998, http.StatusInternalServerError},
	AtomicConflict:        {"AtomicConflict", 1000, http.StatusBadRequest},
	Uninitialized:         {"Uninitialized", 2000, http.StatusPreconditionFailed},
	FailedPrediction:      {"FailedPrediction", 2001, http.StatusInternalServerError},
	InvalidModelKey:       {"InvalidModelKey", 2002, http.StatusNotFound},
	OverCapacity:          {"OverCapacity", 2003, http.StatusNotAcceptable},
	HubError:              {"HubError", 2004, http.StatusBadRequest},
	NoFilePath:            {"NoFilePath", 3000, http.StatusNotFound},
	InvalidFilePath:       {"InvalidFilePath", 3001, http.StatusNotAcceptable},
	InvalidFileType:       {"InvalidFileType", 3002, http.StatusNotAcceptable},
	NotFound:              {"NotFound", 3003, http.StatusNotFound},
	MissingRequestBody:    {"MissingRequestBody", 4000, http.StatusNotFound},
	InvalidRequest:        {"InvalidRequest", 4001, http.StatusNotAcceptable},
	InvalidType:           {"InvalidType", 4002, http.StatusNotAcceptable},
	InvalidQueryParameter: {"InvalidQueryParameter", 4003, http.StatusNotAcceptable},
	StoppedByUser:         {"StoppedByUser", 5000, http.StatusBadRequest},
	EndpointFailed:        {"EndpointFailed", 6000, http.StatusInternalServerError},
}

func (k Kind) info() kindInfo {
	if info, ok := kinds[k]; ok {
		return info
	}
	return kinds[Unknown]
}

func (k Kind) String() string { return k.info().name }

// Code is the stable numeric code reported to clients.
func (k Kind) Code() int { return k.info().code }

// HTTPStatus is the response status used when the kind reaches the HTTP boundary.
func (k Kind) HTTPStatus() int { return k.info().status }
