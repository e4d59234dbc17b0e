// Package metrics exposes room and controller activity to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"tritonnet/internal/climate"
	"tritonnet/internal/clock"
	"tritonnet/pkg/controller"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service exports. It implements
// climate.Observer.
type Collector struct {
	controllerCalls    *prometheus.CounterVec
	controllerDuration *prometheus.HistogramVec
	commandsIgnored    *prometheus.CounterVec
	hvacMode           *prometheus.GaugeVec
	targetTemperature  *prometheus.GaugeVec
}

// NewCollector creates the metric vectors. Register them with Register.
func NewCollector() *Collector {
	return &Collector{
		controllerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tritonnet_controller_calls_total",
			Help: "Controller set_climate calls by room and result (ok, error)",
		}, []string{"room", "result"}),
		controllerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tritonnet_controller_call_duration_seconds",
			Help:    "Duration of controller set_climate calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"room"}),
		commandsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tritonnet_commands_ignored_total",
			Help: "Commands dropped because the value is not supported",
		}, []string{"room", "command"}),
		hvacMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tritonnet_room_hvac_mode",
			Help: "Current HVAC mode of the room (1=active)",
		}, []string{"room", "mode"}),
		targetTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tritonnet_room_target_temperature",
			Help: "Visible setpoints of the room in the entity's unit",
		}, []string{"room", "setpoint"}),
	}
}

// Collectors returns every collector for registration.
func (c *Collector) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.controllerCalls,
		c.controllerDuration,
		c.commandsIgnored,
		c.hvacMode,
		c.targetTemperature,
	}
}

// Register adds every collector to reg.
func (c *Collector) Register(reg prometheus.Registerer) error {
	for _, col := range c.Collectors() {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// StateChanged records the visible state of a room.
func (c *Collector) StateChanged(snap climate.Snapshot) {
	for _, mode := range climate.HVACModes {
		value := 0.0
		if mode == snap.HVACMode {
			value = 1
		}
		c.hvacMode.WithLabelValues(snap.RoomKey, string(mode)).Set(value)
	}

	c.setpoint(snap.RoomKey, "temperature", snap.Temperature)
	c.setpoint(snap.RoomKey, "low", snap.TargetTempLow)
	c.setpoint(snap.RoomKey, "high", snap.TargetTempHigh)
}

// CommandIgnored counts a dropped command.
func (c *Collector) CommandIgnored(roomKey, command, _ string) {
	c.commandsIgnored.WithLabelValues(roomKey, command).Inc()
}

// Forget removes every series of a room that no longer exists.
func (c *Collector) Forget(roomKey string) {
	labels := prometheus.Labels{"room": roomKey}
	c.controllerCalls.DeletePartialMatch(labels)
	c.controllerDuration.DeletePartialMatch(labels)
	c.commandsIgnored.DeletePartialMatch(labels)
	c.hvacMode.DeletePartialMatch(labels)
	c.targetTemperature.DeletePartialMatch(labels)
}

func (c *Collector) setpoint(room, name string, value *float64) {
	if value == nil {
		c.targetTemperature.DeleteLabelValues(room, name)
		return
	}
	c.targetTemperature.WithLabelValues(room, name).Set(*value)
}

// InstrumentController wraps ctrl so every call is counted and timed.
func (c *Collector) InstrumentController(ctrl controller.Controller, clk clock.Clock) controller.Controller {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &instrumented{next: ctrl, collector: c, clock: clk}
}

type instrumented struct {
	next      controller.Controller
	collector *Collector
	clock     clock.Clock
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) SetClimate(ctx context.Context, req controller.Request) error {
	start := i.clock.Now()
	err := i.next.SetClimate(ctx, req)
	i.collector.controllerDuration.WithLabelValues(req.RoomKey).Observe(i.clock.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}
	i.collector.controllerCalls.WithLabelValues(req.RoomKey, result).Inc()
	return err
}

// Unwrap returns the instrumented controller.
func (i *instrumented) Unwrap() controller.Controller { return i.next }

// Handler exposes reg over HTTP.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
