package uwb

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ObservationHandler receives decoded observation points for a session.
type ObservationHandler func(ObservationPoint)

// RangingSource streams observation points per (antennaID, sessionID).
// Implementations deliver points through the handler registered at start.
type RangingSource interface {
	StartSession(antennaID, sessionID string, h ObservationHandler) error
	StopSession(antennaID, sessionID string) error
	PauseSession(antennaID, sessionID string) error
	ResumeSession(antennaID, sessionID string) error
	Connectivity() Connectivity
}

// rangingFrame is the wire format published by a UWB antenna: one distance/
// angle measurement toward a tag, with link-quality metadata.
type rangingFrame struct {
	Distance     float64 `json:"distance"`  // meters
	AzimuthDeg   float64 `json:"azimuth"`   // degrees, 0 = antenna boresight
	ElevationDeg float64 `json:"elevation"` // degrees above the horizontal
	RSSI         float64 `json:"rssi"`      // dBm
	LOS          bool    `json:"los"`
	Seq          int64   `json:"seq"`
	Timestamp    int64   `json:"ts"` // unix milliseconds
}

// SphericalToCartesian converts a distance/elevation/azimuth measurement to
// antenna-frame Cartesian coordinates. Azimuth is measured clockwise from
// the antenna Y axis (boresight), elevation upward from the horizontal.
func SphericalToCartesian(distance, elevationDeg, azimuthDeg float64) Point3D {
	az := azimuthDeg * math.Pi / 180
	el := elevationDeg * math.Pi / 180
	horizontal := distance * math.Cos(el)
	return Point3D{
		X: horizontal * math.Sin(az),
		Y: horizontal * math.Cos(az),
		Z: distance * math.Sin(el),
	}
}

// observationFromFrame decodes one ranging frame into an ObservationPoint.
// Signal strength is derived from RSSI over the usable UWB band
// (-100..-60 dBm); confidence additionally penalizes NLOS samples.
func observationFromFrame(antennaID, sessionID string, f rangingFrame) ObservationPoint {
	strength := clamp01((f.RSSI + 100) / 40)
	confidence := strength
	if !f.LOS {
		confidence *= 0.5
	}
	ts := time.UnixMilli(f.Timestamp)
	if f.Timestamp == 0 {
		ts = time.Now()
	}
	return ObservationPoint{
		AntennaID: antennaID,
		SessionID: sessionID,
		Position:  SphericalToCartesian(f.Distance, f.ElevationDeg, f.AzimuthDeg),
		Timestamp: ts,
		Quality: SignalQuality{
			Strength:        strength,
			IsLineOfSight:   f.LOS,
			ConfidenceLevel: confidence,
			ErrorEstimate:   rangingErrorEstimate(f.Distance, strength),
		},
		Distance: f.Distance,
		RSSI:     f.RSSI,
	}
}

// rangingErrorEstimate is a coarse per-sample error bound in meters: a 10cm
// floor plus 2% of range, doubled as strength drops to zero.
func rangingErrorEstimate(distance, strength float64) float64 {
	base := 0.1 + 0.02*distance
	return base * (2 - strength)
}

// mqttSession tracks one live subscription on an antenna topic.
type mqttSession struct {
	antennaID string
	sessionID string
	topic     string
	handler   ObservationHandler
	paused    bool
}

// MQTTRangingSource subscribes to per-antenna ranging topics and decodes
// frames into observation points.
type MQTTRangingSource struct {
	client mqtt.Client
	config *Config

	mu       sync.Mutex
	sessions map[string]*mqttSession // key antennaID/sessionID
}

// NewMQTTRangingSource connects to the broker configured in cfg. The
// connection auto-reconnects; subscriptions are restored by paho on
// reconnect because the session is not clean-swept.
func NewMQTTRangingSource(cfg *Config) (*MQTTRangingSource, error) {
	if cfg.MQTT.Broker == "" {
		return nil, &InputError{Reason: "mqtt.broker is required"}
	}

	src := &MQTTRangingSource{
		config:   cfg,
		sessions: make(map[string]*mqttSession),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "uwb-calibration"
	}
	opts.SetClientID(clientID)
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[MQTT] connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Printf("[MQTT] connected to %s", cfg.MQTT.Broker)
	})

	src.client = mqtt.NewClient(opts)
	if token := src.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}
	return src, nil
}

// StartSession subscribes to the antenna's ranging topic and routes decoded
// frames to the handler until the session is stopped.
func (s *MQTTRangingSource) StartSession(antennaID, sessionID string, h ObservationHandler) error {
	ac := s.config.GetAntennaByID(antennaID)
	if ac == nil {
		return &InputError{Reason: fmt.Sprintf("antenna %q is not configured", antennaID)}
	}

	s.mu.Lock()
	key := sessionKey(antennaID, sessionID)
	if _, exists := s.sessions[key]; exists {
		s.mu.Unlock()
		return &InputError{Reason: fmt.Sprintf("session %q already started for antenna %q", sessionID, antennaID)}
	}
	sess := &mqttSession{
		antennaID: antennaID,
		sessionID: sessionID,
		topic:     ac.Topic,
		handler:   h,
	}
	s.sessions[key] = sess
	s.mu.Unlock()

	token := s.client.Subscribe(ac.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s.dispatch(key, msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
		return fmt.Errorf("subscribing to %s: %w", ac.Topic, err)
	}
	log.Printf("[MQTT] %s: session %s subscribed to %s", antennaID, sessionID, ac.Topic)
	return nil
}

func (s *MQTTRangingSource) dispatch(key string, payload []byte) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok || sess.paused {
		s.mu.Unlock()
		return
	}
	handler := sess.handler
	antennaID, sessionID := sess.antennaID, sess.sessionID
	s.mu.Unlock()

	var frame rangingFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		log.Printf("[MQTT] %s: dropping malformed ranging frame: %v", antennaID, err)
		return
	}
	if frame.Distance <= 0 || math.IsNaN(frame.Distance) {
		return
	}
	handler(observationFromFrame(antennaID, sessionID, frame))
}

// StopSession unsubscribes the session's topic and discards its routing.
func (s *MQTTRangingSource) StopSession(antennaID, sessionID string) error {
	s.mu.Lock()
	key := sessionKey(antennaID, sessionID)
	sess, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return &InputError{Reason: fmt.Sprintf("no session %q for antenna %q", sessionID, antennaID)}
	}
	delete(s.sessions, key)
	topic := sess.topic
	s.mu.Unlock()

	token := s.client.Unsubscribe(topic)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", topic, err)
	}
	return nil
}

// PauseSession keeps the subscription but drops incoming frames.
func (s *MQTTRangingSource) PauseSession(antennaID, sessionID string) error {
	return s.setPaused(antennaID, sessionID, true)
}

// ResumeSession resumes frame delivery for a paused session.
func (s *MQTTRangingSource) ResumeSession(antennaID, sessionID string) error {
	return s.setPaused(antennaID, sessionID, false)
}

func (s *MQTTRangingSource) setPaused(antennaID, sessionID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionKey(antennaID, sessionID)]
	if !ok {
		return &InputError{Reason: fmt.Sprintf("no session %q for antenna %q", sessionID, antennaID)}
	}
	sess.paused = paused
	return nil
}

// Connectivity reports the broker link state.
func (s *MQTTRangingSource) Connectivity() Connectivity {
	if s.client != nil && s.client.IsConnected() {
		return Connected
	}
	return Disconnected
}

// Close disconnects from the broker.
func (s *MQTTRangingSource) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func sessionKey(antennaID, sessionID string) string {
	return antennaID + "/" + sessionID
}
