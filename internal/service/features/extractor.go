package features

import (
	"strings"
	"time"

	"github.com/jmccormack1717/SecuraFlow/internal/domain"
)

const (
	verySlowMS     = 3000
	veryLargeBytes = 10_000_000
)

// Extractor turns traffic observations into model feature vectors.
type Extractor struct {
	now func() time.Time
}

// NewExtractor returns an Extractor using the wall clock for observations without a timestamp.
func NewExtractor() *Extractor {
	return &Extractor{now: time.Now}
}

// Extract encodes obs. Absent optional fields are treated as zero; ctx may be nil.
func (e *Extractor) Extract(obs domain.TrafficObservation, ctx *domain.FeatureContext) domain.FeatureVector {
	now := time.Now
	if e != nil && e.now != nil {
		now = e.now
	}
	return Extract(obs, ctx, now())
}

// Extract encodes obs using now when the observation carries no timestamp.
func Extract(obs domain.TrafficObservation, ctx *domain.FeatureContext, now time.Time) domain.FeatureVector {
	ts := obs.Timestamp
	if ts.IsZero() {
		ts = now
	}

	responseTime := float64(obs.ResponseTimeMS)
	status := obs.StatusCode
	requestSize := float64(obs.RequestSize())
	responseSize := float64(obs.ResponseSize())
	method := strings.ToUpper(strings.TrimSpace(obs.Method))

	var v domain.FeatureVector
	v.Set(domain.FeatureResponseTimeMS, responseTime)
	v.Set(domain.FeatureStatusCode, float64(status))
	v.Set(domain.FeatureRequestSizeBytes, requestSize)
	v.Set(domain.FeatureResponseSizeBytes, responseSize)

	v.Set(domain.FeatureHourOfDay, float64(ts.Hour()))
	v.Set(domain.FeatureDayOfWeek, float64(mondayFirst(ts.Weekday())))
	v.Set(domain.FeatureMinuteOfHour, float64(ts.Minute()))

	v.Set(domain.FeatureIsError, flag(status >= 400))
	v.Set(domain.FeatureIsServerError, flag(status >= 500))
	v.Set(domain.FeatureIsClientError, flag(status >= 400 && status < 500))

	v.Set(domain.FeatureEndpointLength, float64(len([]rune(obs.Endpoint))))
	v.Set(domain.FeatureMethodGet, flag(method == "GET"))
	v.Set(domain.FeatureMethodPost, flag(method == "POST"))

	v.Set(domain.FeatureResponseToRequestRatio, responseSize/max(requestSize, 1))
	if responseTime > 0 {
		v.Set(domain.FeatureThroughputMbps, (responseSize*8)/(max(responseTime, 1)*1000))
	}
	v.Set(domain.FeatureIsVerySlow, flag(responseTime > verySlowMS))
	v.Set(domain.FeatureIsVeryLargeRequest, flag(requestSize > veryLargeBytes))
	v.Set(domain.FeatureIsVeryLargeResponse, flag(responseSize > veryLargeBytes))

	if ctx != nil {
		v.Context = *ctx
	}
	return v
}

// mondayFirst maps time.Weekday (Sunday=0) onto a Monday=0 week.
func mondayFirst(day time.Weekday) int {
	return (int(day) + 6) % 7
}

func flag(cond bool) float64 {
	if cond {
		return 1
	}
	return 0
}
