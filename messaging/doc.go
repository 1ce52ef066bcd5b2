// Package messaging defines the transport capabilities the recoverable
// connection layer is built on, together with the message model and the
// error taxonomy shared by every package in amqphub.
//
// The interfaces mirror the AMQP 1.0 object model:
//   - Dialer: opens a physical Connection to an endpoint
//   - Connection: multiplexes Sessions and reports asynchronous Faults
//   - Session: creates Senders, Receivers and request/response links
//   - Sender / Receiver: unidirectional links bound to an address
//   - RequestResponseLink: a paired sender/receiver used for $cbs and $management
//
// Implementations live under transports/: goamqp (AMQP 1.0 over TCP or
// WebSockets), amqp091 (RabbitMQ) and memory (an in-process broker used by
// tests and local development).
//
// Errors returned by transports are classified with Classify and mapped to
// a recovery action with RecoveryFor:
//
//	switch messaging.RecoveryFor(err) {
//	case messaging.RecoverLink:
//		// drop and reopen the link on the next attempt
//	case messaging.RecoverConnection:
//		// fault the connection scope and rebuild it
//	}
package messaging
