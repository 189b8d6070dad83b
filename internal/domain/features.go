package domain

// Feature indexes a position in the model input vector. The order is tied to
// the trained model artifact and must not be rearranged.
type Feature int

const (
	FeatureResponseTimeMS Feature = iota
	FeatureStatusCode
	FeatureRequestSizeBytes
	FeatureResponseSizeBytes
	FeatureHourOfDay
	FeatureDayOfWeek
	FeatureMinuteOfHour
	FeatureIsError
	FeatureIsServerError
	FeatureIsClientError
	FeatureEndpointLength
	FeatureMethodGet
	FeatureMethodPost
	FeatureResponseToRequestRatio
	FeatureThroughputMbps
	FeatureIsVerySlow
	FeatureIsVeryLargeRequest
	FeatureIsVeryLargeResponse

	// FeatureCount is the length of the positional model input.
	FeatureCount
)

var featureNames = [FeatureCount]string{
	"response_time_ms",
	"status_code",
	"request_size_bytes",
	"response_size_bytes",
	"hour_of_day",
	"day_of_week",
	"minute_of_hour",
	"is_error",
	"is_server_error",
	"is_client_error",
	"endpoint_length",
	"method_get",
	"method_post",
	"response_to_request_ratio",
	"throughput_mbps",
	"is_very_slow",
	"is_very_large_request",
	"is_very_large_response",
}

// Context feature keys. They are kept in snapshots but never fed to the model.
const (
	ContextRecentAvgResponseTime = "recent_avg_response_time"
	ContextRecentErrorRate       = "recent_error_rate"
	ContextRecentRequestRate     = "recent_request_rate"
)

// String returns the feature key.
func (f Feature) String() string {
	if f < 0 || f >= FeatureCount {
		return "unknown"
	}
	return featureNames[f]
}

// FeatureNames returns the feature keys in model order.
func FeatureNames() []string {
	names := make([]string, FeatureCount)
	copy(names, featureNames[:])
	return names
}

// FeatureContext carries traffic-history features supplied by the caller.
type FeatureContext struct {
	RecentAvgResponseTime float64
	RecentErrorRate       float64
	RecentRequestRate     float64
}

// FeatureVector is the fixed-schema numeric encoding of an observation.
type FeatureVector struct {
	Values  [FeatureCount]float64
	Context FeatureContext
}

// Get returns the value stored for a feature.
func (v FeatureVector) Get(f Feature) float64 {
	if f < 0 || f >= FeatureCount {
		return 0
	}
	return v.Values[f]
}

// Set stores a feature value.
func (v *FeatureVector) Set(f Feature, value float64) {
	if f < 0 || f >= FeatureCount {
		return
	}
	v.Values[f] = value
}

// Slice copies the model input in positional order.
func (v FeatureVector) Slice() []float64 {
	out := make([]float64, FeatureCount)
	copy(out, v.Values[:])
	return out
}

// Map renders the vector, including context features, as a keyed snapshot.
func (v FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, int(FeatureCount)+3)
	for i, name := range featureNames {
		out[name] = v.Values[i]
	}
	out[ContextRecentAvgResponseTime] = v.Context.RecentAvgResponseTime
	out[ContextRecentErrorRate] = v.Context.RecentErrorRate
	out[ContextRecentRequestRate] = v.Context.RecentRequestRate
	return out
}

// FeatureVectorFromMap rebuilds a vector from a snapshot. Missing keys are zero.
func FeatureVectorFromMap(values map[string]float64) FeatureVector {
	var v FeatureVector
	for i, name := range featureNames {
		v.Values[i] = values[name]
	}
	v.Context = FeatureContext{
		RecentAvgResponseTime: values[ContextRecentAvgResponseTime],
		RecentErrorRate:       values[ContextRecentErrorRate],
		RecentRequestRate:     values[ContextRecentRequestRate],
	}
	return v
}
