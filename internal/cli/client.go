package cli

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ostern42/smartbox-next-sub001/internal/config"
	"github.com/ostern42/smartbox-next-sub001/internal/control"
)

// Client performs one command round-trip against a running daemon: publish
// on the control topic, wait for the acknowledgement on the ack topic.
type Client struct {
	cfg     *config.Config
	timeout time.Duration
}

// NewClient creates a control plane client from a loaded daemon config.
func NewClient(cfg *config.Config, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, timeout: timeout}
}

// Send publishes the command and blocks until the daemon acknowledges it or
// the timeout elapses.
func (c *Client) Send(cmd control.Command) (control.Response, error) {
	if c.cfg.MQTT.Broker == "" {
		return control.Response{}, fmt.Errorf("no mqtt broker configured")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.MQTT.Broker).
		SetClientID("smartboxctl-" + uuid.New().String()[:8]).
		SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return control.Response{}, fmt.Errorf("broker connect timeout (%s)", c.cfg.MQTT.Broker)
	}
	if err := token.Error(); err != nil {
		return control.Response{}, fmt.Errorf("broker connect failed: %w", err)
	}
	defer client.Disconnect(250)

	ackTopic := c.cfg.MQTT.Topics.Events + "/command_ack"
	acks := make(chan control.Response, 1)

	subToken := client.Subscribe(ackTopic, c.cfg.MQTT.QoS["control"], func(_ mqtt.Client, msg mqtt.Message) {
		var resp control.Response
		if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
			return
		}
		if resp.CommandAck != cmd.Command {
			return
		}
		select {
		case acks <- resp:
		default:
		}
	})
	if !subToken.WaitTimeout(5 * time.Second) {
		return control.Response{}, fmt.Errorf("ack subscription timeout")
	}
	if err := subToken.Error(); err != nil {
		return control.Response{}, fmt.Errorf("ack subscription failed: %w", err)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return control.Response{}, err
	}

	pubToken := client.Publish(c.cfg.MQTT.Topics.Control, c.cfg.MQTT.QoS["control"], false, payload)
	if !pubToken.WaitTimeout(5 * time.Second) {
		return control.Response{}, fmt.Errorf("command publish timeout")
	}
	if err := pubToken.Error(); err != nil {
		return control.Response{}, fmt.Errorf("command publish failed: %w", err)
	}

	select {
	case resp := <-acks:
		return resp, nil
	case <-time.After(c.timeout):
		return control.Response{}, fmt.Errorf("no response from daemon after %s", c.timeout)
	}
}
