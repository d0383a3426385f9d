package bigasr

import (
	"errors"
	"fmt"

	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/stt/bigasr/protocol"
)

// sessionError is a sentinel that also matches stt.ErrTransient and, when set,
// a parent sentinel.
type sessionError struct {
	msg    string
	parent error
}

func (e *sessionError) Error() string { return e.msg }

func (e *sessionError) Is(target error) bool {
	return target == stt.ErrTransient || (e.parent != nil && target == e.parent)
}

var (
	// ErrConnection reports a failed dial, a dropped socket or a failed write.
	ErrConnection error = &sessionError{msg: "bigasr: connection error"}

	// ErrHandshakeTimeout reports that the server did not confirm the session
	// within the connect timeout. It also matches ErrConnection.
	ErrHandshakeTimeout error = &sessionError{msg: "bigasr: handshake timeout", parent: ErrConnection}

	// ErrFinalResultTimeout reports that no final result arrived in time.
	ErrFinalResultTimeout error = &sessionError{msg: "bigasr: timed out waiting for final result"}
)

// ErrProtocolParse reports an undecodable server payload. It is the same value
// as protocol.ErrParse.
var ErrProtocolParse = protocol.ErrParse

// ErrInvalidState is returned when an operation is not allowed in the
// session's current state.
var ErrInvalidState = errors.New("bigasr: invalid session state")

// ErrAwaitInProgress is returned when AwaitFinal is called while another
// AwaitFinal on the same session is still outstanding.
var ErrAwaitInProgress = errors.New("bigasr: final result already being awaited")

// ServerError is an error reported by the server, either through an error
// frame or a connection-failed event.
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bigasr: server error %d", e.Code)
	}
	return fmt.Sprintf("bigasr: server error %d: %s", e.Code, e.Message)
}

func invalidState(op string, st State) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, st)
}
