package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ignite/cohort-estimator/internal/pkg/httputil"
	"github.com/redis/go-redis/v9"
)

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status  string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Version string                    `json:"version"`
	Uptime  string                    `json:"uptime"`
	Checks  map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is the health of one dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// pinger is satisfied by *sql.DB.
type pinger interface {
	PingContext(ctx context.Context) error
}

// bucketHeader is satisfied by *s3.Client.
type bucketHeader interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// HealthChecker reports on the store, the lock backend and the export
// bucket. Nil dependencies report "not configured".
type HealthChecker struct {
	db        pinger
	redis     *redis.Client
	s3        bucketHeader
	s3Bucket  string
	startTime time.Time
}

const healthVersion = "1.0.0"

// NewHealthChecker creates a checker. Pass untyped nil for a dependency
// that is not configured.
func NewHealthChecker(db pinger, redisClient *redis.Client, s3Client bucketHeader, s3Bucket string) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient, s3: s3Client, s3Bucket: s3Bucket, startTime: time.Now()}
}

// HandleHealth always answers 200; the body carries the verdict.
//
//	GET /health
func (hc *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	httputil.OK(w, HealthStatus{
		Status:  overallStatus(checks),
		Version: healthVersion,
		Uptime:  time.Since(hc.startTime).Round(time.Second).String(),
		Checks:  checks,
	})
}

// HandleReadiness answers 503 when the store is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := overallStatus(checks)
	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]any{
		"ready":  overall != "unhealthy",
		"status": overall,
		"checks": checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, 3)
	go func() { ch <- result{"database", hc.checkDatabase(ctx)} }()
	go func() { ch <- result{"redis", hc.checkRedis(ctx)} }()
	go func() { ch <- result{"s3", hc.checkS3(ctx)} }()

	checks := make(map[string]ComponentCheck, 3)
	for i := 0; i < 3; i++ {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

func timed(ctx context.Context, timeout, slow time.Duration, fn func(ctx context.Context) error) ComponentCheck {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("check failed: %v", err)}
	}
	if latency > slow {
		return ComponentCheck{Status: "degraded", Latency: latency.String(), Message: fmt.Sprintf("slow response (%s)", latency)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

func (hc *HealthChecker) checkDatabase(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}
	return timed(ctx, 3*time.Second, time.Second, hc.db.PingContext)
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redis == nil {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}
	return timed(ctx, 2*time.Second, 500*time.Millisecond, func(ctx context.Context) error {
		return hc.redis.Ping(ctx).Err()
	})
}

func (hc *HealthChecker) checkS3(ctx context.Context) ComponentCheck {
	if hc.s3 == nil || hc.s3Bucket == "" {
		return ComponentCheck{Status: "down", Message: "not configured"}
	}
	return timed(ctx, 3*time.Second, 2*time.Second, func(ctx context.Context) error {
		_, err := hc.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &hc.s3Bucket})
		return err
	})
}

// overallStatus is "unhealthy" when a configured database is down,
// "degraded" when any other configured dependency is unwell, otherwise
// "healthy".
func overallStatus(checks map[string]ComponentCheck) string {
	if db, ok := checks["database"]; ok && db.Status == "down" && db.Message != "not configured" {
		return "unhealthy"
	}
	for _, c := range checks {
		if c.Status == "degraded" || (c.Status == "down" && c.Message != "not configured") {
			return "degraded"
		}
	}
	return "healthy"
}
