// Package telemetry exposes Prometheus metrics: HTTP server metrics recorded by
// an echo middleware, and business counters for the invitation lifecycle.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trialcare/trialcare/internal/platform/apperr"
)

const namespace = "trialcare"

// Provider owns every collector. Methods are safe on a nil *Provider so
// services can run without metrics in tests.
type Provider struct {
	registry *prometheus.Registry

	activeRequests  prometheus.Gauge
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec

	invitationsSent     *prometheus.CounterVec
	invitationsResent   prometheus.Counter
	invitationsDeleted  prometheus.Counter
	invitationsAccepted *prometheus.CounterVec
	invitationsExpired  prometheus.Counter
	rolesGranted        prometheus.Counter
	permissionDenied    *prometheus.CounterVec
}

// NewProvider registers all collectors on a fresh registry together with the
// Go runtime and process collectors.
func NewProvider() *Provider {
	p := &Provider{
		registry: prometheus.NewRegistry(),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_server_active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_server_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		invitationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_sent_total",
			Help:      "Invitations created, by target role and invitation type.",
		}, []string{"role", "type"}),
		invitationsResent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_resent_total",
			Help:      "Invitations resent.",
		}),
		invitationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_deleted_total",
			Help:      "Invitations deleted explicitly.",
		}),
		invitationsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_accepted_total",
			Help:      "Sign-ups completed with an invitation, by invitation type.",
		}, []string{"type"}),
		invitationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitations_expired_total",
			Help:      "Expired invitations removed by the sweep.",
		}),
		rolesGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitation_direct_role_grants_total",
			Help:      "Roles granted directly to existing users without an invitation.",
		}),
		permissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invitation_permission_denied_total",
			Help:      "Invitation requests rejected by the permission evaluator.",
		}, []string{"operation"}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.activeRequests, p.requestDuration, p.requestsTotal,
		p.invitationsSent, p.invitationsResent, p.invitationsDeleted,
		p.invitationsAccepted, p.invitationsExpired, p.rolesGranted, p.permissionDenied,
	)
	return p
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// MetricsMiddleware records HTTP server metrics labelled by route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil {
				return next(c)
			}
			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if err != nil {
				status = apperr.StatusOf(err)
			}
			labels := []string{c.Request().Method, route, strconv.Itoa(status)}
			p.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			p.requestsTotal.WithLabelValues(labels...).Inc()
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

func (p *Provider) InvitationSent(roleID, invitationType string) {
	if p != nil {
		p.invitationsSent.WithLabelValues(roleID, invitationType).Inc()
	}
}

func (p *Provider) InvitationResent() {
	if p != nil {
		p.invitationsResent.Inc()
	}
}

func (p *Provider) InvitationsDeleted(n int) {
	if p != nil && n > 0 {
		p.invitationsDeleted.Add(float64(n))
	}
}

func (p *Provider) InvitationAccepted(invitationType string) {
	if p != nil {
		p.invitationsAccepted.WithLabelValues(invitationType).Inc()
	}
}

func (p *Provider) InvitationsExpired(n int) {
	if p != nil && n > 0 {
		p.invitationsExpired.Add(float64(n))
	}
}

func (p *Provider) RoleGranted() {
	if p != nil {
		p.rolesGranted.Inc()
	}
}

func (p *Provider) PermissionDenied(operation string) {
	if p != nil {
		p.permissionDenied.WithLabelValues(operation).Inc()
	}
}
