package enrich

import "ccloud-cost/pkg/model"

// ScoreConfidence derives the allocation confidence for an hourly fact.
// It is a pure function of the distribution method, whether usage weights
// were available, and the record's cost source, so identical inputs
// always score identically (required for idempotent re-ingestion).
//
//	high   — usage-weighted distribution from authoritative API data
//	medium — even split from authoritative API data
//	low    — estimated amounts or an unconfirmed cost source
func ScoreConfidence(method model.AllocationMethod, weighted bool, costSource string) model.ConfidenceLevel {
	if costSource != model.CostSourceBillingAPI {
		return model.ConfidenceLow
	}
	if method == model.MethodUsageBased && weighted {
		return model.ConfidenceHigh
	}
	return model.ConfidenceMedium
}
