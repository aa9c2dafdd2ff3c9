package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus instruments for one service. Construct it
// once at startup; promauto registers every instrument on the default
// registry, so a second collector with the same service name will panic.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	SlotBookingsTotal            *prometheus.CounterVec
	SlotCancellationsTotal       prometheus.Counter
	DayCancellationsTotal        prometheus.Counter
	AppointmentsTotal            *prometheus.CounterVec
	RemoteCallsTotal             *prometheus.CounterVec
	RescheduleCompensationsTotal *prometheus.CounterVec
	RemindersSentTotal           prometheus.Counter

	DBConnections       prometheus.Gauge
	CircuitBreakerState prometheus.Gauge
}

func NewCollector(serviceName string) *Collector {
	return &Collector{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		SlotBookingsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "scheduling",
			Name:      "slot_bookings_total",
			Help:      "Slot booking attempts by result (booked, conflict).",
		}, []string{"result"}),

		SlotCancellationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "scheduling",
			Name:      "slot_cancellations_total",
			Help:      "Total individual slot bookings cancelled.",
		}),

		DayCancellationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "scheduling",
			Name:      "day_cancellations_total",
			Help:      "Total whole-day availability cancellations.",
		}),

		AppointmentsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "appointments",
			Name:      "created_total",
			Help:      "Appointments created by booking outcome.",
		}, []string{"status"}),

		RemoteCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Calls to the doctor availability service by operation and outcome.",
		}, []string{"operation", "outcome"}),

		RescheduleCompensationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "appointments",
			Name:      "reschedule_compensations_total",
			Help:      "Old-slot re-bookings after a failed reschedule, by outcome (restored, lost).",
		}, []string{"outcome"}),

		RemindersSentTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "reminders",
			Name:      "sent_total",
			Help:      "Total appointment reminder emails sent.",
		}),

		DBConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "db",
			Name:      "open_connections",
			Help:      "Current number of open database connections.",
		}),

		CircuitBreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "remote",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
	}
}

// Domain recording helpers. All tolerate a nil Collector so services built
// without metrics (tests) skip instrumentation.

func (c *Collector) RecordSlotBooking(result string) {
	if c == nil {
		return
	}
	c.SlotBookingsTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordSlotCancellation() {
	if c == nil {
		return
	}
	c.SlotCancellationsTotal.Inc()
}

func (c *Collector) RecordDayCancellation() {
	if c == nil {
		return
	}
	c.DayCancellationsTotal.Inc()
}

func (c *Collector) RecordAppointment(status string) {
	if c == nil {
		return
	}
	c.AppointmentsTotal.WithLabelValues(status).Inc()
}

func (c *Collector) RecordRemoteCall(operation, outcome string) {
	if c == nil {
		return
	}
	c.RemoteCallsTotal.WithLabelValues(operation, outcome).Inc()
}

func (c *Collector) RecordRescheduleCompensation(outcome string) {
	if c == nil {
		return
	}
	c.RescheduleCompensationsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordReminderSent() {
	if c == nil {
		return
	}
	c.RemindersSentTotal.Inc()
}

// Middleware records request count, latency, and in-flight gauge for every
// request. The path label uses the route pattern, not the raw URL, to keep
// label cardinality bounded.
func Middleware(col *Collector) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			col.InFlightGauge.Inc()
			defer col.InFlightGauge.Dec()

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if httpErr, ok := err.(*echo.HTTPError); ok {
					status = httpErr.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			labels := []string{c.Request().Method, c.Path(), strconv.Itoa(status)}
			col.RequestsTotal.WithLabelValues(labels...).Inc()
			col.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
