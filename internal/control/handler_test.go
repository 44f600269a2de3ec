package control

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ostern42/smartbox-next-sub001/internal/config"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type published struct {
	topic   string
	payload []byte
}

// fakeClient captures publishes; everything else is inert.
type fakeClient struct {
	mu   sync.Mutex
	pubs []published
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.pubs = append(c.pubs, published{topic: topic, payload: payload.([]byte)})
	c.mu.Unlock()
	return fakeToken{}
}

func (c *fakeClient) last(t *testing.T) (string, Response) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pubs) == 0 {
		t.Fatal("nothing published")
	}
	p := c.pubs[len(c.pubs)-1]
	var resp Response
	if err := json.Unmarshal(p.payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return p.topic, resp
}

func (c *fakeClient) IsConnected() bool       { return true }
func (c *fakeClient) IsConnectionOpen() bool  { return true }
func (c *fakeClient) Connect() mqtt.Token     { return fakeToken{} }
func (c *fakeClient) Disconnect(quiesce uint) {}
func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token           { return fakeToken{} }
func (c *fakeClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func testConfig() *config.Config {
	return &config.Config{
		MQTT: config.MQTTConfig{
			Broker: "tcp://test:1883",
			Topics: config.MQTTTopics{
				Control: "smartbox/control/test",
				Events:  "smartbox/events/test",
			},
			QoS: map[string]byte{"control": 1},
		},
	}
}

// TestStartCommandDispatch validates start reaches the callback and acks on
// the acknowledgement topic.
func TestStartCommandDispatch(t *testing.T) {
	client := &fakeClient{}
	var gotSubject string

	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnStart: func(subject string) (map[string]any, error) {
			gotSubject = subject
			return map[string]any{"session_id": "abc"}, nil
		},
	}, nil)

	h.handleCommand(Command{Command: "start", Params: map[string]any{"subject": "bed-7"}})

	if gotSubject != "bed-7" {
		t.Errorf("callback subject = %q, want bed-7", gotSubject)
	}

	topic, resp := client.last(t)
	if topic != "smartbox/events/test/command_ack" {
		t.Errorf("ack topic = %s", topic)
	}
	if resp.CommandAck != "start" || resp.Status != "success" {
		t.Errorf("response = %+v, want start/success", resp)
	}
	if resp.Data["session_id"] != "abc" {
		t.Errorf("response data = %v", resp.Data)
	}
	if resp.Timestamp == "" {
		t.Error("response missing timestamp")
	}
}

func TestStartRequiresSubject(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnStart: func(string) (map[string]any, error) {
			t.Error("callback invoked without subject")
			return nil, nil
		},
	}, nil)

	h.handleCommand(Command{Command: "start"})

	_, resp := client.last(t)
	if resp.Status != "error" {
		t.Errorf("status = %s, want error", resp.Status)
	}
}

func TestExportCommandDispatch(t *testing.T) {
	client := &fakeClient{}
	var gotMinutes int

	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnExportLast: func(minutes int, reason, requester string) (map[string]any, error) {
			gotMinutes = minutes
			return map[string]any{"path": "/data/clip.sbx"}, nil
		},
	}, nil)

	// JSON numbers arrive as float64.
	h.handleCommand(Command{Command: "export_last", Params: map[string]any{
		"minutes": float64(5),
		"reason":  "review",
	}})

	if gotMinutes != 5 {
		t.Errorf("minutes = %d, want 5", gotMinutes)
	}
	_, resp := client.last(t)
	if resp.Status != "success" {
		t.Errorf("status = %s: %s", resp.Status, resp.Error)
	}
}

func TestCallbackErrorBecomesErrorResponse(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnStop: func(string) error { return errors.New("boom") },
	}, nil)

	h.handleCommand(Command{Command: "stop"})

	_, resp := client.last(t)
	if resp.Status != "error" || resp.Error != "boom" {
		t.Errorf("response = %+v, want error/boom", resp)
	}
}

func TestUnknownCommand(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(testConfig(), client, CommandCallbacks{}, nil)

	h.handleCommand(Command{Command: "reticulate"})

	_, resp := client.last(t)
	if resp.Status != "error" {
		t.Errorf("status = %s, want error", resp.Status)
	}
}

func TestGetStatusDispatch(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnGetStatus: func() map[string]any {
			return map[string]any{"recording": true}
		},
	}, nil)

	h.handleCommand(Command{Command: "get_status"})

	_, resp := client.last(t)
	if resp.Status != "success" || resp.Data["recording"] != true {
		t.Errorf("response = %+v", resp)
	}
}
