package observability

import "go.opentelemetry.io/otel/attribute"

// Pipeline semantic convention attributes.
var (
	AttrLeadID   = attribute.Key("leadgen.lead.id")
	AttrSourceID = attribute.Key("leadgen.source.id")
	AttrOfferID  = attribute.Key("leadgen.offer.id")
	AttrBuyerID  = attribute.Key("leadgen.buyer.id")

	AttrStage   = attribute.Key("leadgen.stage")
	AttrOutcome = attribute.Key("leadgen.outcome")
	AttrReason  = attribute.Key("leadgen.reason")

	AttrAttemptNumber = attribute.Key("leadgen.delivery.attempt")
	AttrHTTPStatus    = attribute.Key("leadgen.delivery.http_status")
)

// Pipeline stage names used with AttrStage and RecordLead.
const (
	StageIngest   = "ingest"
	StageDedupe   = "dedupe"
	StageValidate = "validate"
	StageRoute    = "route"
	StageDeliver  = "deliver"
)
