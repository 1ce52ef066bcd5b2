package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqphub/messaging"
)

// translate converts amqp091 errors into the messaging taxonomy
func translate(endpoint, address string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", messaging.ErrCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		remote := remoteError(amqpErr)

		// Hard errors close the connection; soft errors only the channel.
		if amqpErr == amqp.ErrClosed || !amqpErr.Recover {
			return &messaging.ConnectionLostError{Endpoint: endpoint, Remote: remote, Err: err}
		}
		if address == "" {
			return remote
		}
		return &messaging.LinkDetachedError{Address: address, Remote: remote, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return &messaging.ConnectionLostError{Endpoint: endpoint, Err: err}
	}

	return err
}

// remoteError maps AMQP 0-9-1 reply codes onto AMQP 1.0 conditions
func remoteError(err *amqp.Error) *messaging.RemoteError {
	if err == amqp.ErrClosed {
		return nil
	}
	return &messaging.RemoteError{
		Condition:   condition(err.Code),
		Description: err.Reason,
		Info:        map[string]any{"code": err.Code, "server": err.Server},
	}
}

func condition(code int) messaging.Condition {
	switch code {
	case amqp.NotFound:
		return messaging.CondNotFound
	case amqp.AccessRefused:
		return messaging.CondUnauthorizedAccess
	case amqp.ResourceLocked:
		return messaging.CondResourceLocked
	case amqp.PreconditionFailed:
		return messaging.CondPreconditionFailed
	case amqp.ContentTooLarge:
		return messaging.CondMessageSizeExceeded
	case amqp.NotAllowed, amqp.CommandInvalid:
		return messaging.CondNotAllowed
	case amqp.NotImplemented:
		return messaging.CondNotImplemented
	case amqp.ConnectionForced:
		return messaging.CondConnectionForced
	case amqp.FrameError, amqp.SyntaxError, amqp.UnexpectedFrame:
		return messaging.CondFramingError
	case amqp.ResourceError:
		return messaging.CondServerBusy
	case amqp.ChannelError:
		return messaging.CondDetachForced
	default:
		return messaging.CondInternalError
	}
}
