package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CodesIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "toolnav_verification_codes_issued_total",
		Help: "Verification codes issued, by purpose.",
	}, []string{"purpose"})

	CodesThrottled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "toolnav_verification_codes_throttled_total",
		Help: "Code requests rejected by the resend cooldown, by purpose.",
	}, []string{"purpose"})

	CodeVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "toolnav_verification_checks_total",
		Help: "Code verification attempts, by purpose and result.",
	}, []string{"purpose", "result"})

	MailFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "toolnav_mail_failures_total",
		Help: "Notification deliveries that failed, by kind.",
	}, []string{"kind"})

	LoginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "toolnav_login_attempts_total",
		Help: "Authentication attempts, by result.",
	}, []string{"result"})

	AccountLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "toolnav_account_lockouts_total",
		Help: "Accounts moved to the locked state.",
	})

	EmailChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "toolnav_email_changes_total",
		Help: "Email change workflow transitions, by outcome.",
	}, []string{"outcome"})

	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "toolnav_job_runs_total",
		Help: "Scheduled job runs, by job and result.",
	}, []string{"job", "result"})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CodesIssued, CodesThrottled, CodeVerifications, MailFailures,
			LoginAttempts, AccountLockouts, EmailChanges, JobRuns,
			httpRequestsTotal, httpRequestDuration,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request counts and latency by route template.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
