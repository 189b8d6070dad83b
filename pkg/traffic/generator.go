package traffic

import (
	"fmt"
	"math/rand"
	"time"
)

var (
	endpoints = []string{
		"/api/users",
		"/api/products",
		"/api/orders",
		"/api/auth/login",
		"/api/auth/register",
		"/api/cart",
		"/api/checkout",
		"/api/payments",
	}
	methods    = []string{"GET", "POST", "PUT", "DELETE"}
	okStatuses = []int{200, 201, 204}
	userAgent  = "SecuraFlowTrafficGen/1.0"
)

// Generator produces synthetic observations. It is not safe for concurrent use.
type Generator struct {
	rnd          *rand.Rand
	anomalyRatio float64
	now          func() time.Time
}

// NewGenerator returns a generator emitting anomalies with the given probability.
func NewGenerator(seed int64, anomalyRatio float64) *Generator {
	if anomalyRatio < 0 {
		anomalyRatio = 0
	}
	if anomalyRatio > 1 {
		anomalyRatio = 1
	}
	return &Generator{
		rnd:          rand.New(rand.NewSource(seed)),
		anomalyRatio: anomalyRatio,
		now:          time.Now,
	}
}

// Next returns the next observation and whether it was generated as anomalous.
func (g *Generator) Next() (Observation, bool) {
	if g.rnd.Float64() < g.anomalyRatio {
		return g.Anomalous(), true
	}
	return g.Normal(), false
}

// Normal returns a fast, successful, small request.
func (g *Generator) Normal() Observation {
	return Observation{
		Endpoint:          g.pick(endpoints),
		Method:            g.pick(methods),
		StatusCode:        okStatuses[g.rnd.Intn(len(okStatuses))],
		ResponseTimeMS:    g.between(20, 200),
		RequestSizeBytes:  g.size(100, 5000),
		ResponseSizeBytes: g.size(500, 10000),
		IPAddress:         g.ip(),
		UserAgent:         userAgent,
		Timestamp:         g.now().UTC(),
	}
}

// Anomalous returns a slow, failing or oversized request.
func (g *Generator) Anomalous() Observation {
	obs := g.Normal()
	switch g.rnd.Intn(4) {
	case 0:
		obs.StatusCode = []int{500, 502, 503, 504}[g.rnd.Intn(4)]
		obs.ResponseTimeMS = g.between(1000, 5000)
	case 1:
		obs.StatusCode = []int{400, 401, 403, 404}[g.rnd.Intn(4)]
	case 2:
		obs.ResponseTimeMS = g.between(3001, 10000)
	default:
		obs.RequestSizeBytes = g.size(10_000_001, 50_000_000)
		obs.ResponseSizeBytes = g.size(10_000_001, 60_000_000)
	}
	return obs
}

func (g *Generator) pick(values []string) string {
	return values[g.rnd.Intn(len(values))]
}

// between returns a value in [lo, hi].
func (g *Generator) between(lo, hi int) int {
	return lo + g.rnd.Intn(hi-lo+1)
}

func (g *Generator) size(lo, hi int64) *int64 {
	v := lo + g.rnd.Int63n(hi-lo+1)
	return &v
}

func (g *Generator) ip() string {
	return fmt.Sprintf("192.168.%d.%d", g.rnd.Intn(256), 1+g.rnd.Intn(254))
}
