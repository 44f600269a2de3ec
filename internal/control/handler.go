// Package control implements the MQTT command plane: start/stop the
// recorder, trigger retroactive exports and query status over the broker.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ostern42/smartbox-next-sub001/internal/config"
)

// Command is the JSON envelope received on the control topic.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is published on the acknowledgement topic after every command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// CommandCallbacks contains the callback functions commands dispatch to.
type CommandCallbacks struct {
	OnStart      func(subject string) (map[string]any, error)
	OnStop       func(reason string) error
	OnExportLast func(minutes int, reason, requester string) (map[string]any, error)
	OnGetStatus  func() map[string]any
	OnShutdown   func() error
}

// Handler subscribes to the control topic and dispatches commands.
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	log       *slog.Logger
	commands  chan Command
	callbacks CommandCallbacks
}

// NewHandler creates a control plane handler.
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		cfg:       cfg,
		client:    client,
		log:       log,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// AckTopic returns the topic command responses are published on.
func (h *Handler) AckTopic() string {
	return h.cfg.MQTT.Topics.Events + "/command_ack"
}

// Start subscribes to the control topic and begins processing commands.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	h.log.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes from the control topic.
func (h *Handler) Stop() {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.Wait()
	}
	close(h.commands)
	h.log.Info("control plane handler stopped")
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.log.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	h.log.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.log.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	var resp Response
	resp.CommandAck = cmd.Command

	switch cmd.Command {
	case "start":
		if h.callbacks.OnStart == nil {
			resp.Status = "error"
			resp.Error = "start not implemented"
			break
		}
		subject, ok := cmd.Params["subject"].(string)
		if !ok || subject == "" {
			resp.Status = "error"
			resp.Error = "missing or invalid 'subject' parameter (expected string)"
			break
		}
		data, err := h.callbacks.OnStart(subject)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = data

	case "stop":
		if h.callbacks.OnStop == nil {
			resp.Status = "error"
			resp.Error = "stop not implemented"
			break
		}
		reason, _ := cmd.Params["reason"].(string)
		if reason == "" {
			reason = "operator request"
		}
		if err := h.callbacks.OnStop(reason); err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = map[string]any{"recording": false}

	case "export_last":
		if h.callbacks.OnExportLast == nil {
			resp.Status = "error"
			resp.Error = "export_last not implemented"
			break
		}
		minutesF, ok := cmd.Params["minutes"].(float64)
		if !ok || minutesF <= 0 {
			resp.Status = "error"
			resp.Error = "missing or invalid 'minutes' parameter (expected positive number)"
			break
		}
		reason, _ := cmd.Params["reason"].(string)
		requester, _ := cmd.Params["requester"].(string)
		data, err := h.callbacks.OnExportLast(int(minutesF), reason, requester)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "success"
		resp.Data = data

	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			resp.Status = "error"
			resp.Error = "shutdown not implemented"
			break
		}
		h.log.Warn("shutdown command received via control plane")
		resp.Status = "success"
		resp.Data = map[string]any{"shutdown_initiated": true}
		// Acknowledge before tearing down the connection the ack rides on.
		h.sendResponse(resp)
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := h.callbacks.OnShutdown(); err != nil {
				h.log.Error("shutdown callback failed", "error", err)
			}
		}()
		return

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.log.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.AckTopic(), h.cfg.MQTT.QoS["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.log.Error("response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		h.log.Error("failed to publish response", "error", err)
		return
	}

	h.log.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
