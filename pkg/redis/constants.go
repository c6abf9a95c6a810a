package redis

import "time"

// Key prefixes for portal data.
const (
	NamespacePortal    = "portal"
	ContextPredictions = "predictions"
)

// TTLPrediction is the default lifetime of a mirrored model's predictions.
const TTLPrediction = 24 * time.Hour
