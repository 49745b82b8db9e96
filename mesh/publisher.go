package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/kabschmesh/kabsch"
)

// DefaultPublishPrefix is the topic prefix used when MQTT_PUBLISH_PREFIX is unset
const DefaultPublishPrefix = "kabschmesh"

// AlignmentMessage is the payload published for one rig
type AlignmentMessage struct {
	RigID       string            `json:"rigId"`
	Rotation    kabsch.Quaternion `json:"rotation"`
	Translation kabsch.Point      `json:"translation"`
	Scale       float64           `json:"scale"`
	Status      kabsch.Status     `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Method      kabsch.Method     `json:"method"`
	Steps       int               `json:"steps"`
	Converged   bool              `json:"converged"`
	Residual    float64           `json:"residual"`
	AngleDeg    float64           `json:"angleDeg"`
	Timestamp   int64             `json:"timestamp"`
}

// NewAlignmentMessage flattens a result for publishing
func NewAlignmentMessage(rigID string, res kabsch.Result) AlignmentMessage {
	_, angle := res.Rotation.AxisAngle()
	return AlignmentMessage{
		RigID:       rigID,
		Rotation:    res.Rotation,
		Translation: res.Translation,
		Scale:       res.Scale,
		Status:      res.Status,
		Reason:      res.Reason,
		Method:      res.Method,
		Steps:       res.Steps,
		Converged:   res.Converged,
		Residual:    res.Residual,
		AngleDeg:    angle * 180 / math.Pi,
		Timestamp:   time.Now().Unix(),
	}
}

// Publisher publishes computed alignments to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	alignments    map[string]AlignmentMessage
	mu            sync.RWMutex
}

// NewPublisher creates an alignment publisher. A nil client disables
// publishing; alignments are still recorded.
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true, // late subscribers get the current alignment
		alignments:    make(map[string]AlignmentMessage),
	}
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// SetPrefix overrides the topic prefix; empty is ignored
func (p *Publisher) SetPrefix(prefix string) {
	if prefix != "" {
		p.publishPrefix = prefix
	}
}

// PublishAlignment records res for rigID and publishes it to
// <prefix>/<rigID> and the combined <prefix>/alignments topic.
func (p *Publisher) PublishAlignment(rigID string, res kabsch.Result) error {
	msg := NewAlignmentMessage(rigID, res)

	p.mu.Lock()
	p.alignments[rigID] = msg
	p.mu.Unlock()

	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if err := p.publishIndividual(msg); err != nil {
		log.Printf("[PUBLISH] error publishing alignment for %s: %v", rigID, err)
		return err
	}
	if err := p.publishCombined(); err != nil {
		log.Printf("[PUBLISH] error publishing combined alignments: %v", err)
		return err
	}
	return nil
}

func (p *Publisher) publishIndividual(msg AlignmentMessage) error {
	topic := fmt.Sprintf("%s/%s", p.publishPrefix, msg.RigID)

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling alignment: %w", err)
	}
	if err := p.publish(topic, payload); err != nil {
		return err
	}

	if msg.Status == kabsch.StatusDegraded {
		log.Printf("[PUBLISH] warning: %s: degraded alignment: %s", msg.RigID, msg.Reason)
	}
	log.Printf("[PUBLISH] %s: %s angle=%.2f° scale=%.4f rmsd=%.4g",
		msg.RigID, msg.Status, msg.AngleDeg, msg.Scale, msg.Residual)
	return nil
}

func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	ids := make([]string, 0, len(p.alignments))
	for id := range p.alignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rigs := make([]AlignmentMessage, 0, len(ids))
	for _, id := range ids {
		rigs = append(rigs, p.alignments[id])
	}
	p.mu.RUnlock()

	if len(rigs) == 0 {
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"rigs":      rigs,
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling combined alignments: %w", err)
	}
	return p.publish(fmt.Sprintf("%s/alignments", p.publishPrefix), payload)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// GetAlignment returns the last alignment recorded for a rig
func (p *Publisher) GetAlignment(rigID string) (AlignmentMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	msg, ok := p.alignments[rigID]
	return msg, ok
}

// GetAllAlignments returns a copy of every recorded alignment
func (p *Publisher) GetAllAlignments() map[string]AlignmentMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]AlignmentMessage, len(p.alignments))
	for id, msg := range p.alignments {
		out[id] = msg
	}
	return out
}

// ClearAlignment forgets a rig's alignment
func (p *Publisher) ClearAlignment(rigID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.alignments, rigID)
}

// SetQoS sets the publish QoS (0, 1 or 2); other values are ignored
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages are retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// PublishSnapshot publishes the result carried by a tracker snapshot.
// It matches UpdateHandler so it can be registered with OnUpdate.
func (p *Publisher) PublishSnapshot(snap RigSnapshot) {
	if err := p.PublishAlignment(snap.RigID, snap.Result); err != nil && p.client != nil {
		log.Printf("[PUBLISH] %s: %v", snap.RigID, err)
	}
}
