package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Platform semantic-convention attribute keys, mirroring the
// spec's own vocabulary (tenant_id, asset_id, finding_id, plan_id).
var (
	AttrTenantID  = attribute.Key("sentrywatch.tenant_id")
	AttrAssetID   = attribute.Key("sentrywatch.asset_id")
	AttrFindingID = attribute.Key("sentrywatch.finding_id")
	AttrPlanID    = attribute.Key("sentrywatch.plan_id")
	AttrBatchSize = attribute.Key("sentrywatch.batch_size")
)

// IngestAttributes builds the attribute set attached to EventIngest and
// TelemetryEngine spans.
func IngestAttributes(tenantID, assetID string, batchSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrAssetID.String(assetID),
		AttrBatchSize.Int(batchSize),
	}
}

// SpanFromContext extracts the current span, for call sites that need
// to annotate an in-flight span without threading a Provider through.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
