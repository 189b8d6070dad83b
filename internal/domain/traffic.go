package domain

import "time"

// TrafficObservation represents one recorded HTTP request/response pair.
type TrafficObservation struct {
	ID                int64
	Endpoint          string
	Method            string
	StatusCode        int
	ResponseTimeMS    int
	RequestSizeBytes  *int64
	ResponseSizeBytes *int64
	ClientIP          string
	UserAgent         string
	Timestamp         time.Time
	CreatedAt         time.Time
}

// RequestSize returns the request size or zero when it was not reported.
func (o TrafficObservation) RequestSize() int64 {
	if o.RequestSizeBytes == nil {
		return 0
	}
	return *o.RequestSizeBytes
}

// ResponseSize returns the response size or zero when it was not reported.
func (o TrafficObservation) ResponseSize() int64 {
	if o.ResponseSizeBytes == nil {
		return 0
	}
	return *o.ResponseSizeBytes
}

// IsError reports whether the observation completed with a 4xx or 5xx status.
func (o TrafficObservation) IsError() bool {
	return o.StatusCode >= 400
}

// TrafficStats summarises traffic over a trailing window.
type TrafficStats struct {
	WindowStart       time.Time
	WindowEnd         time.Time
	TotalRequests     int64
	TotalAnomalies    int64
	ErrorCount        int64
	AvgResponseTimeMS float64
}
