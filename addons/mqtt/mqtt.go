// SPDX-License-Identifier: GPL-2.0-or-later

// Package mqtt publishes segment and recorder events to a MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrew-shulgin/nvr"
	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/monitor"
	"github.com/andrew-shulgin/nvr/pkg/recorder"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

func init() {
	var pub atomic.Pointer[publisher]

	nvr.RegisterLogSource([]string{"mqtt"})

	nvr.RegisterAppRunHook(func(ctx context.Context, app *nvr.App) error {
		if app.Env.MQTTBroker == "" {
			return nil
		}
		p := newPublisher(
			newPahoClient(app.Env.MQTTBroker),
			app.Env.MQTTTopic,
			app.Logger.Func("mqtt", ""),
		)
		app.WG.Add(1)
		go func() {
			defer app.WG.Done()
			p.run(ctx)
		}()
		pub.Store(p)
		return nil
	})

	nvr.RegisterSegmentOpenHook(func(m *monitor.Monitor, path string) {
		if p := pub.Load(); p != nil {
			p.send(newEvent(m.Config.Name(), EventSegmentOpen, path))
		}
	})
	nvr.RegisterSegmentCloseHook(func(m *monitor.Monitor, path string) {
		if p := pub.Load(); p != nil {
			p.send(newEvent(m.Config.Name(), EventSegmentClose, path))
		}
	})
	nvr.RegisterRecorderExitHook(func(m *monitor.Monitor, status recorder.Status, err error) {
		if p := pub.Load(); p != nil {
			e := newEvent(m.Config.Name(), EventRecorderExit, "")
			e.Status = status.String()
			if err != nil {
				e.Error = err.Error()
			}
			p.send(e)
		}
	})
}

// Event names.
const (
	EventSegmentOpen  = "segmentOpen"
	EventSegmentClose = "segmentClose"
	EventRecorderExit = "recorderExit"
)

// Event is published as JSON to "<topic>/<camera>".
type Event struct {
	Camera string    `json:"camera"`
	Event  string    `json:"event"`
	Path   string    `json:"path,omitempty"`
	Time   time.Time `json:"time"`

	// Only set on recorder exit.
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newEvent(camera, name, path string) Event {
	return Event{
		Camera: camera,
		Event:  name,
		Path:   path,
		Time:   time.Now(),
	}
}

// client is the subset of paho.Client used by the publisher.
type client interface {
	Connect() paho.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

func newPahoClient(broker string) client {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("nvr-" + uuid.NewString()).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetCleanSession(true)
	return paho.NewClient(opts)
}

const (
	eventBufferSize = 64
	publishTimeout  = 5 * time.Second
)

type publisher struct {
	client client
	topic  string
	logf   log.Func

	events chan Event

	mu      sync.Mutex
	dropped int
}

func newPublisher(c client, topic string, logf log.Func) *publisher {
	return &publisher{
		client: c,
		topic:  topic,
		logf:   logf,
		events: make(chan Event, eventBufferSize),
	}
}

// send queues the event without blocking the recorder.
func (p *publisher) send(e Event) {
	select {
	case p.events <- e:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// run connects and publishes queued events until the context is canceled.
func (p *publisher) run(ctx context.Context) {
	// With ConnectRetry the token completes once connected.
	p.client.Connect()
	defer p.client.Disconnect(250)

	p.logf(log.LevelInfo, "publishing events to %v", p.topic)
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case e := <-p.events:
			p.publishAndLog(e)
		}
	}
}

// drain publishes the queued events, the last segment
// and recorder events are sent after the monitors stop.
func (p *publisher) drain() {
	for {
		select {
		case e := <-p.events:
			p.publishAndLog(e)
		default:
			return
		}
	}
}

func (p *publisher) publishAndLog(e Event) {
	if err := p.publish(e); err != nil {
		p.logf(log.LevelWarning, "publish %v: %v", e.Event, err)
	}
	p.logDropped()
}

func (p *publisher) publish(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic+"/"+e.Camera, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

func (p *publisher) logDropped() {
	p.mu.Lock()
	dropped := p.dropped
	p.dropped = 0
	p.mu.Unlock()
	if dropped != 0 {
		p.logf(log.LevelWarning, "event queue full, dropped %v events", dropped)
	}
}

// ErrTimeout publish was not acknowledged in time.
var ErrTimeout = errors.New("publish timeout")
