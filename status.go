package weft

import (
	"fmt"
	"time"
)

// errors surface as values, never by panicking across the API boundary.
type ErrorCode int

const (
	ErrorUnspecified ErrorCode = iota + 1
	ErrorPeerIncompatible
	ErrorPeerInvalid
	ErrorPeerUnavailable
	ErrorPeerTimeout
	ErrorMasterExists
	ErrorNoSuchMaster
	ErrorNoSuchKey
	ErrorRequestTimeout
	ErrorTypeClash
	ErrorInvalidData
	ErrorBackendFailure
	ErrorStoreStale
	ErrorCodecMalformed
	ErrorShutdownInProgress
)

func (self ErrorCode) String() string {
	switch self {
	case ErrorUnspecified:
		return "unspecified"
	case ErrorPeerIncompatible:
		return "peer-incompatible"
	case ErrorPeerInvalid:
		return "peer-invalid"
	case ErrorPeerUnavailable:
		return "peer-unavailable"
	case ErrorPeerTimeout:
		return "peer-timeout"
	case ErrorMasterExists:
		return "master-exists"
	case ErrorNoSuchMaster:
		return "no-such-master"
	case ErrorNoSuchKey:
		return "no-such-key"
	case ErrorRequestTimeout:
		return "request-timeout"
	case ErrorTypeClash:
		return "type-clash"
	case ErrorInvalidData:
		return "invalid-data"
	case ErrorBackendFailure:
		return "backend-failure"
	case ErrorStoreStale:
		return "store-stale"
	case ErrorCodecMalformed:
		return "codec-malformed"
	case ErrorShutdownInProgress:
		return "shutdown-in-progress"
	default:
		return fmt.Sprintf("error(%d)", int(self))
	}
}

type Error struct {
	Code    ErrorCode
	Message string
}

func NewError(code ErrorCode, format string, a ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *Error) Error() string {
	if self.Message == "" {
		return self.Code.String()
	}
	return fmt.Sprintf("%s: %s", self.Code, self.Message)
}

// reports whether `err` is a weft error with the given code
func IsError(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	if weftErr, ok := err.(*Error); ok {
		return weftErr.Code == code
	}
	return false
}

type StatusCode int

const (
	StatusPeerAdded StatusCode = iota + 1
	StatusPeerRemoved
	StatusPeerLost
	StatusPeerUnavailable
	StatusEndpointDiscovered
	StatusEndpointUnreachable
)

func (self StatusCode) String() string {
	switch self {
	case StatusPeerAdded:
		return "peer-added"
	case StatusPeerRemoved:
		return "peer-removed"
	case StatusPeerLost:
		return "peer-lost"
	case StatusPeerUnavailable:
		return "peer-unavailable"
	case StatusEndpointDiscovered:
		return "endpoint-discovered"
	case StatusEndpointUnreachable:
		return "endpoint-unreachable"
	default:
		return fmt.Sprintf("status(%d)", int(self))
	}
}

// one item on the event subscriber stream. an item with `Err` set is an
// error item and may also carry the `Status` it relates to; otherwise it is
// a status item.
type Event struct {
	Status  StatusCode
	Err     *Error
	PeerId  Id
	Address string
	Message string
	Time    time.Time
}

func (self *Event) IsError() bool {
	return self.Err != nil
}

func (self *Event) String() string {
	if self.Err != nil {
		return fmt.Sprintf("error(%s, %s)", self.PeerId, self.Err)
	}
	return fmt.Sprintf("status(%s, %s)", self.PeerId, self.Status)
}
