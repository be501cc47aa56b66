package realtime

import "go.opentelemetry.io/otel"

const scopeName = "github.com/bt-bridge/realtime-hub"

var tracer = otel.Tracer(scopeName)
