/*
Package runtime is the event bus behind horseback.

# Architecture Overview

A Bus wires an event type registry, a handler table, an inbox deduplicator
and a transport into a Watermill router. Events are published to the topic
their kind is registered on; every subscription of that topic receives only
the kinds its broker rules select.

# Package Structure

## Bus (bus.go, registration.go)

The Bus owns the setup phase and the lifecycle:
  - RegisterEvent binds a payload type to a kind and topic
  - RegisterHandler / AddHandler attach handlers to a kind, in order
  - Provision closes registration and converges broker rules
  - Start runs one consumer per subscription until the context ends

## Provisioning (provisioner.go, retry.go)

The Provisioner makes sure a topic and subscription exist, removes the
catch-all rule and creates one rule per registered kind. Each broker call is
retried with exponential backoff.

## Publishing (publisher.go)

The Publisher validates an event, ensures its topic once and sends it with the
id, kind, occurred_at and correlation_id headers.

## Consuming (subscriber.go)

Each delivery is resolved, decoded, claimed in the inbox, dispatched, then
marked processed. A failed dispatch releases the claim and abandons the
message unless the subscription auto-completes.

## Middleware and hooks (middleware.go, hooks.go)

The default router chain stamps correlation ids, logs, traces with
OpenTelemetry, records Prometheus router metrics and recovers panics.
JobHooks observe every delivery.

## Stats (delivery_metrics.go, stats.go, stats_api.go, resources.go)

Delivery counters per subscription and kind, latency percentiles, error
categories and backlog hints, served as JSON next to /metrics.

# Sub-packages

  - config/: configuration loading and validation
  - errors/: sentinel errors and the typed error taxonomy
  - events/: integration events and the kind registry
  - handlers/: handler table and typed handlers
  - inbox/: SQL and Redis deduplication ledgers
  - ids/: ULID and UUID helpers
  - jsoncodec/: JSON codec
  - logging/: logger interface and adapters
  - metadata/: message header helpers
  - transport/: transport factory
*/
package runtime
