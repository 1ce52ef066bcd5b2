// Package amqpcore implements the recoverable connection layer on top of the
// transport capabilities in package messaging.
//
// This package includes:
//   - RecoverableConnection: owns the current ConnectionScope and rebuilds it
//     at most once per failure, however many callers observe the failure
//   - ConnectionScope: one physical connection plus the sessions and links
//     opened on it; faulting or closing it invalidates every link handle
//   - CBSAuthenticator: caches and renews claims-based security tokens per
//     audience and puts them on the current connection
//   - RecoverableSender / RecoverableReceiver: logical links that reopen
//     themselves after link or connection failures
//   - PartitionPublishingState: idempotent producer sequencing per partition
//
// Recovery is driven by messaging.RecoveryFor: link-level errors drop the
// link and reopen it on the next attempt, connection-level errors fault the
// scope so the next EnsureConnection rebuilds it.
package amqpcore
