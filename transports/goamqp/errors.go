package goamqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/Azure/go-amqp"

	"github.com/glimte/amqphub/messaging"
)

var errConnectionClosed = errors.New("goamqp: connection closed by peer")

// translate converts go-amqp errors into the messaging taxonomy
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

	var connErr *amqp.ConnError
	if errors.As(err, &connErr) {
		return &messaging.ConnectionLostError{Endpoint: endpoint, Remote: remoteError(connErr.RemoteErr), Err: err}
	}

	var sessionErr *amqp.SessionError
	if errors.As(err, &sessionErr) {
		return &messaging.LinkDetachedError{Address: address, Remote: remoteError(sessionErr.RemoteErr), Err: err}
	}

	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) {
		return &messaging.LinkDetachedError{Address: address, Remote: remoteError(linkErr.RemoteErr), Err: err}
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return remoteError(amqpErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return &messaging.ConnectionLostError{Endpoint: endpoint, Err: err}
	}

	return err
}

func remoteError(err *amqp.Error) *messaging.RemoteError {
	if err == nil {
		return nil
	}
	return &messaging.RemoteError{
		Condition:   messaging.Condition(err.Condition),
		Description: err.Description,
		Info:        err.Info,
	}
}
