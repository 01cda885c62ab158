package monitor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/TheCacophonyProject/ah-monitor/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "ah_monitor"

// collector reads every battery when scraped, so the values are never older
// than the accumulator state.
type collector struct {
	batteries *batteries

	ampHours            *prometheus.Desc
	current             *prometheus.Desc
	stateOfCharge       *prometheus.Desc
	chargeEfficiency    *prometheus.Desc
	dischargeEfficiency *prometheus.Desc
	markedCapacity      *prometheus.Desc
	currentCapacity     *prometheus.Desc
	lastPersisted       *prometheus.Desc
	persistWrites       *prometheus.Desc
	persistFailures     *prometheus.Desc
	voltage             *prometheus.Desc
	power               *prometheus.Desc
	readErrors          *prometheus.Desc
}

func newCollector(bs *batteries) *collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, []string{"battery"}, nil)
	}
	return &collector{
		batteries:           bs,
		ampHours:            desc("amp_hours", "Accumulated charge in amp hours."),
		current:             desc("current_amps", "Last current sample, positive when charging."),
		stateOfCharge:       desc("state_of_charge_ratio", "Accumulated charge as a ratio of the current capacity."),
		chargeEfficiency:    desc("charge_efficiency_percent", "Charge efficiency."),
		dischargeEfficiency: desc("discharge_efficiency_percent", "Discharge efficiency."),
		markedCapacity:      desc("marked_capacity_amp_hours", "Nameplate capacity."),
		currentCapacity:     desc("current_capacity_amp_hours", "Usable capacity, 0 when not set."),
		lastPersisted:       desc("last_persisted_amp_hours", "Charge at the last successful save."),
		persistWrites:       desc("persist_writes_total", "Successful saves of the accumulated charge."),
		persistFailures:     desc("persist_failures_total", "Failed saves of the accumulated charge."),
		voltage:             desc("voltage_volts", "Last bus voltage reading."),
		power:               desc("power_watts", "Last power reading."),
		readErrors:          desc("sensor_read_errors_total", "Failed sensor reads."),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.ampHours, c.current, c.stateOfCharge, c.chargeEfficiency, c.dischargeEfficiency,
		c.markedCapacity, c.currentCapacity, c.lastPersisted, c.persistWrites,
		c.persistFailures, c.voltage, c.power, c.readErrors,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.batteries.all() {
		snap := b.acc.Snapshot()
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, b.name)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), b.name)
		}
		gauge(c.ampHours, snap.Accumulated)
		gauge(c.current, snap.LastCurrent)
		if soc, ok := telemetry.StateOfCharge(snap); ok {
			gauge(c.stateOfCharge, soc)
		}
		gauge(c.chargeEfficiency, snap.ChargeEfficiency)
		gauge(c.dischargeEfficiency, snap.DischargeEfficiency)
		gauge(c.markedCapacity, snap.MarkedCapacity)
		gauge(c.currentCapacity, snap.CurrentCapacity)
		gauge(c.lastPersisted, snap.LastPersisted)
		counter(c.persistWrites, snap.PersistWrites)
		counter(c.persistFailures, snap.PersistFailures)

		if b.readings == nil {
			continue
		}
		if r, ok := b.readings.Latest(); ok {
			gauge(c.voltage, r.Voltage)
			gauge(c.power, r.Power)
		}
		counter(c.readErrors, b.readings.Errors())
	}
}

// serveMetrics serves /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, bs *batteries) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(newCollector(bs)); err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
