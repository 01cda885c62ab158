package powersensor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SampleSink receives each current reading, in amps.
type SampleSink interface {
	UpdateSample(current float64)
}

// Poller reads a sensor at a fixed interval, passes the current on to a
// SampleSink and keeps the latest reading for reporting.
type Poller struct {
	name     string
	sensor   Sensor
	sink     SampleSink
	interval time.Duration
	log      logrus.FieldLogger

	mu     sync.Mutex
	latest Reading
	valid  bool
	errors uint64
}

func NewPoller(name string, sensor Sensor, sink SampleSink, interval time.Duration, log logrus.FieldLogger) *Poller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Poller{
		name:     name,
		sensor:   sensor,
		sink:     sink,
		interval: interval,
		log:      log.WithField("battery", name),
	}
}

// Poll takes one reading. A failed read leaves the sink and the latest
// reading untouched.
func (p *Poller) Poll() error {
	r, err := p.sensor.Sense()
	if err != nil {
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		return err
	}
	p.sink.UpdateSample(r.Current)

	p.mu.Lock()
	p.latest = r
	p.valid = true
	p.mu.Unlock()
	p.log.Debugf("V=%.3f I=%.3f P=%.3f", r.Voltage, r.Current, r.Power)
	return nil
}

// Latest returns the last good reading and whether there has been one.
func (p *Poller) Latest() (Reading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.valid
}

func (p *Poller) Errors() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}

// Run polls until ctx is done. Read errors are logged and polling carries on.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Poll(); err != nil {
			p.log.Errorf("Error reading %s sensor: %v", p.name, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
