// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the bot.
//
// Logging is built on slog. Correlation fields (request, session, user,
// channel, thread, tool call) are read from the context on every record, and
// Slack/OpenAI credentials are redacted from messages and values.
//
// Metrics are registered against an injectable prometheus.Registerer so tests
// can use an isolated registry. All Metrics methods accept a nil receiver.
//
// Tracing exports over OTLP/gRPC when an endpoint is configured and is a
// no-op otherwise.
package observability
