package rabbit

import (
	"errors"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConnectionFailed is returned when connection to RabbitMQ cannot be established
	ErrConnectionFailed = errors.New("connection failed")

	// ErrPublishNacked is returned when the broker negatively acknowledges an event
	ErrPublishNacked = errors.New("event not acknowledged by broker")
)

// ErrorCategory groups errors by how a caller should react to them.
type ErrorCategory int

const (
	CategoryUnknown ErrorCategory = iota
	CategoryConnection
	CategoryChannel
	CategoryAuthentication
	CategoryResource
	CategoryMessage
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryConnection:
		return "connection"
	case CategoryChannel:
		return "channel"
	case CategoryAuthentication:
		return "authentication"
	case CategoryResource:
		return "resource"
	case CategoryMessage:
		return "message"
	}
	return "unknown"
}

// GetErrorCategory classifies err, looking through wrapping to the
// underlying AMQP or network error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, ErrConnectionFailed) || errors.Is(err, amqp.ErrClosed) {
		return CategoryConnection
	}
	if errors.Is(err, ErrPublishNacked) {
		return CategoryMessage
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused:
			return CategoryAuthentication
		case amqp.NotFound, amqp.ResourceLocked, amqp.PreconditionFailed, amqp.ResourceError:
			return CategoryResource
		case amqp.ChannelError:
			return CategoryChannel
		case amqp.ConnectionForced, amqp.InternalError, amqp.FrameError:
			return CategoryConnection
		}
		if !amqpErr.Server {
			return CategoryConnection
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryConnection
	}
	return CategoryUnknown
}

// IsRetryableError reports whether the operation may succeed once the
// connection has been re-established.
func IsRetryableError(err error) bool {
	switch GetErrorCategory(err) {
	case CategoryConnection, CategoryChannel, CategoryMessage:
		return true
	}
	return false
}
