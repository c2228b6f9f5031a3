// Package horseback routes integration events over a pub/sub broker and keeps
// their side effects at most once per event id.
//
// A Bus is set up in two phases. During setup the application registers each
// event kind with its payload type and topic (RegisterEvent) and appends the
// handlers of each kind (RegisterHandler, RegisterKindHandler). Start closes
// the registry, provisions every subscription so the broker only delivers the
// kinds its service handles, and runs one consumer per subscription.
//
// Each delivery passes through the inbox before any handler runs. The inbox
// claims the event id with an insert guarded by a unique constraint, so a
// redelivered or concurrently delivered event is dispatched once; duplicates
// are completed without dispatch. A handler failure releases the claim and
// abandons the message so the broker redelivers it.
//
// # Transports
//
// The broker is chosen by Config.PubSubSystem:
//   - memory: in-process broker with native rules, for tests and local runs
//   - sqlite: embedded durable broker with native rules and dead letters
//   - postgres: PostgreSQL broker with native rules and SKIP LOCKED consumers
//   - rabbitmq: headers exchange bindings as rules
//   - aws: SNS filter policies over SQS queues
//   - jetstream: consumer filter subjects
//   - kafka, nats: rules emulated in-process
//
// # Inbox
//
// The inbox ledger runs on SQL Server, PostgreSQL, MySQL or SQLite through
// per-dialect statements, or on Redis with SETNX claims.
//
// # Middleware
//
// The default chain adds correlation ids, structured logging, OpenTelemetry
// tracing, Prometheus metrics and panic recovery. JobHooksMiddleware exposes
// OnJobStart, OnJobDone and OnJobError around every delivery.
package horseback
