// Package publish forwards recognition batches to an MQTT broker.
package publish

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// NewClientFunc builds the underlying client. Tests swap it for a fake.
var NewClientFunc = mqtt.NewClient

// Box is a face location in display coordinates.
type Box struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Face is the wire form of one recognition.
type Face struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Matched    bool    `json:"matched"`
	Identity   string  `json:"identity,omitempty"`
	Box        Box     `json:"box"`
	Color      string  `json:"color"`
}

// Message is the payload of one batch.
type Message struct {
	Timestamp int64  `json:"timestamp"`
	Faces     []Face `json:"faces"`
}

// NewMessage converts a batch to its wire form.
func NewMessage(recs []types.Recognition, timestamp int64) Message {
	msg := Message{Timestamp: timestamp, Faces: make([]Face, 0, len(recs))}
	for _, r := range recs {
		f := Face{
			Label:      r.Title,
			Confidence: r.Confidence,
			Box: Box{
				Left:   r.Location.X.Lo,
				Top:    r.Location.Y.Lo,
				Right:  r.Location.X.Hi,
				Bottom: r.Location.Y.Hi,
			},
			Color: fmt.Sprintf("#%02x%02x%02x", r.Color.R, r.Color.G, r.Color.B),
		}
		if m, ok := r.Match.(types.Matched); ok {
			f.Matched = true
			f.Identity = m.Identity
		}
		msg.Faces = append(msg.Faces, f)
	}
	return msg
}

// Publisher is a pipeline sink that sends every batch to a topic.
// Consecutive empty batches are collapsed into one.
type Publisher struct {
	cfg    config.MQTTConfig
	client mqtt.Client

	mu        sync.Mutex
	lastEmpty bool
	sent      int
}

// New configures a publisher. It does not connect.
func New(cfg config.MQTTConfig) *Publisher {
	p := &Publisher{cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.brokerURL())
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("MQTT connection lost, reconnecting")
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.WithField("broker", p.brokerURL()).Info("Connected to MQTT broker")
	})
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)

	p.client = NewClientFunc(opts)
	return p
}

func (p *Publisher) brokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", p.cfg.Broker, p.cfg.Port)
}

// Connect blocks until the first connection attempt completes.
func (p *Publisher) Connect() error {
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "connecting to %s", p.brokerURL())
	}
	return nil
}

// TrackResults publishes the batch without waiting for the broker.
func (p *Publisher) TrackResults(recs []types.Recognition, timestamp int64) {
	empty := len(recs) == 0
	p.mu.Lock()
	skip := empty && p.lastEmpty
	p.mu.Unlock()
	if skip {
		return
	}

	if !p.client.IsConnected() {
		log.WithField("ts", timestamp).Debug("MQTT not connected, skipping batch")
		return
	}

	payload, err := json.Marshal(NewMessage(recs, timestamp))
	if err != nil {
		log.WithError(err).Error("encoding recognition batch")
		return
	}

	token := p.client.Publish(p.cfg.Topic, byte(p.cfg.QoS), false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.WithError(token.Error()).WithField("topic", p.cfg.Topic).Warn("MQTT publish failed")
		}
	}()

	p.mu.Lock()
	p.lastEmpty = empty
	p.sent++
	p.mu.Unlock()
}

// Invalidate is a no-op; subscribers only see published batches.
func (p *Publisher) Invalidate() {}

// Sent returns how many batches were handed to the client.
func (p *Publisher) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Close disconnects, allowing 250ms for in-flight messages.
func (p *Publisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		log.Info("MQTT client disconnected")
	}
	return nil
}
