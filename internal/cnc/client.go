// Package cnc maintains the long-lived framed duplex connection to the
// Command-and-Control service: session-token lifecycle, registration
// handshake, heartbeat, validated inbound/outbound frames and reconnect.
package cnc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kaonis/woly-node/internal/config"
	"github.com/kaonis/woly-node/internal/protocol"
	"github.com/kaonis/woly-node/internal/telemetry"
)

// ErrNotConnected is returned by Send while the socket is down; callers
// buffer and flush after the next registration.
var ErrNotConnected = errors.New("not connected to C&C")

// wsPath is appended to the configured C&C base URL.
const wsPath = "/woly/ws/node"

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
)

// Events is implemented by the agent service.
type Events interface {
	// OnConnected fires after a successful registration handshake.
	OnConnected()
	// OnDisconnected fires on every socket teardown.
	OnDisconnected()
	// OnCommand delivers a validated dispatchable frame.
	OnCommand(msgType, commandID string, data any)
	// OnPeerError surfaces an error frame reported by the C&C.
	OnPeerError(message string)
}

// Client owns the socket and all its timers.
type Client struct {
	cfg     *config.Config
	log     zerolog.Logger
	tel     *telemetry.Telemetry
	events  Events
	tokens  *tokenSource
	version string

	mu              sync.Mutex
	conn            *websocket.Conn
	connected       bool
	registered      bool
	shouldReconnect bool
	heartbeatStop   chan struct{}

	writeMu sync.Mutex
}

// NewClient creates a client; version is reported in the register frame.
func NewClient(cfg *config.Config, log zerolog.Logger, tel *telemetry.Telemetry, events Events, version string) *Client {
	return &Client{
		cfg:     cfg,
		log:     log.With().Str("component", "cnc").Logger(),
		tel:     tel,
		events:  events,
		version: version,
		tokens: newTokenSource(
			log,
			cfg.SessionTokenURL,
			cfg.AuthToken,
			cfg.SessionTokenRequestTimeout,
			cfg.SessionTokenRefreshBuffer,
		),
	}
}

// Run connects and maintains the connection until the context is cancelled,
// reconnect is disabled, or the attempt cap is exceeded. It blocks.
func (c *Client) Run(ctx context.Context) {
	var pacing backoff.BackOff = backoff.NewConstantBackOff(c.cfg.ReconnectInterval)
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Error().Err(err).Msg("connection attempt failed")
			attempts++
			if !c.waitReconnect(ctx, pacing, attempts) {
				return
			}
			continue
		}

		attempts = 0
		pacing.Reset()

		c.readLoop(ctx)

		if !c.reconnectEnabled() || ctx.Err() != nil {
			return
		}
		attempts++
		if !c.waitReconnect(ctx, pacing, attempts) {
			return
		}
	}
}

// waitReconnect arms the (single) reconnect delay. False means give up.
func (c *Client) waitReconnect(ctx context.Context, pacing backoff.BackOff, attempts int) bool {
	if c.cfg.MaxReconnectAttempts > 0 && attempts > c.cfg.MaxReconnectAttempts {
		c.tel.ReconnectFailed()
		c.log.Error().Int("attempts", attempts-1).Msg("reconnect attempts exhausted, giving up")
		return false
	}
	c.tel.ReconnectScheduled()
	delay := pacing.NextBackOff()
	c.log.Info().Dur("delay", delay).Int("attempt", attempts).Msg("reconnect scheduled")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// connect mints a token, dials, and sends the register frame.
func (c *Client) connect(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.recordAuthError(err)
		return err
	}

	wsURL, err := c.buildURL(token)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"bearer", token},
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.tel.AuthExpired()
			c.tokens.Invalidate()
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.registered = false
	c.shouldReconnect = true
	c.mu.Unlock()

	c.log.Info().Str("url", redactURL(wsURL)).Msg("connected, registering")

	return c.Send(protocol.TypeRegister, protocol.RegisterPayload{
		NodeID:    c.cfg.NodeID,
		Name:      c.cfg.NodeID,
		Location:  c.cfg.Location,
		PublicURL: c.cfg.PublicURL,
		Metadata: protocol.RegisterMetadata{
			Version:         c.version,
			Platform:        runtime.GOOS,
			ProtocolVersion: protocol.Version,
			NetworkInfo:     localNetworkInfo(),
		},
	})
}

// buildURL derives the ws(s) endpoint from the configured C&C URL.
func (c *Client) buildURL(token string) (string, error) {
	base := strings.TrimRight(c.cfg.CncURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	u, err := url.Parse(base + wsPath)
	if err != nil {
		return "", err
	}
	if c.cfg.AllowQueryTokenFallback {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func redactURL(wsURL string) string {
	if i := strings.Index(wsURL, "token="); i != -1 {
		return wsURL[:i] + "token=[REDACTED]"
	}
	return wsURL
}

func (c *Client) recordAuthError(err error) {
	switch {
	case errors.Is(err, ErrAuthExpired):
		c.tel.AuthExpired()
		c.tokens.Invalidate()
		c.log.Warn().Msg("session token expired")
	case errors.Is(err, ErrAuthRevoked):
		c.tel.AuthRevoked()
		c.tokens.Invalidate()
		c.log.Error().Msg("credentials revoked, reconnect continues in case of rotation")
	case errors.Is(err, ErrAuthUnavailable):
		c.tel.AuthUnavailable()
		c.log.Warn().Err(err).Msg("session token endpoint unavailable")
	}
}

// readLoop reads frames until the socket drops.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.stopHeartbeat()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connected = false
		c.registered = false
		c.mu.Unlock()
		c.events.OnDisconnected()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleCloseError(err)
			return
		}
		c.dispatch(data)
	}
}

// handleCloseError maps close codes and reasons to auth events.
func (c *Client) handleCloseError(err error) {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		c.log.Warn().Err(err).Msg("socket read failed")
		return
	}

	reason := strings.ToLower(closeErr.Text)
	switch {
	case closeErr.Code == protocol.CloseAuthExpired,
		closeErr.Code == protocol.CloseAuthExpiredAlt,
		strings.Contains(reason, "expired"):
		c.tel.AuthExpired()
		c.tokens.Invalidate()
		c.log.Warn().Int("code", closeErr.Code).Msg("closed: auth expired")
	case closeErr.Code == protocol.CloseAuthRevoked,
		closeErr.Code == protocol.CloseAuthRevokedAlt,
		strings.Contains(reason, "revoked"),
		strings.Contains(reason, "invalid auth"),
		strings.Contains(reason, "invalid token"):
		c.tel.AuthRevoked()
		c.tokens.Invalidate()
		c.log.Error().Int("code", closeErr.Code).Msg("closed: auth revoked")
	default:
		c.log.Info().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("socket closed")
	}
}

// dispatch validates one inbound frame and fans it out by type.
func (c *Client) dispatch(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.recordInboundFailure("", "", err, data)
		return
	}

	payload, err := msg.ValidateInbound()
	if err != nil {
		c.recordInboundFailure(msg.Type, msg.CommandID, err, data)
		return
	}

	switch msg.Type {
	case protocol.TypeRegistered:
		c.handleRegistered(payload.(*protocol.RegisteredPayload))
	case protocol.TypePing:
		// Peer liveness probe; nothing to do.
	case protocol.TypeError:
		errPayload := payload.(*protocol.ErrorPayload)
		c.tel.ProtocolError()
		c.log.Error().Str("message", errPayload.Message).Msg("C&C reported error")
		c.events.OnPeerError(errPayload.Message)
	default:
		c.events.OnCommand(msg.Type, msg.CommandID, payload)
	}
}

func (c *Client) recordInboundFailure(msgType, correlationID string, err error, raw []byte) {
	c.tel.InboundValidationFailure()
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	c.log.Warn().
		Str("direction", "inbound").
		Str("correlation_id", correlationID).
		Str("message_type", msgType).
		Strs("validation_issues", protocol.ValidationIssues(err)).
		Interface("raw_data", protocol.SanitizeRaw(raw)).
		Msg("dropping invalid inbound frame")
}

// handleRegistered completes the handshake: version gate, heartbeat, and
// the connected callback.
func (c *Client) handleRegistered(payload *protocol.RegisteredPayload) {
	if payload.ProtocolVersion != "" && !protocol.SupportedVersion(payload.ProtocolVersion) {
		c.tel.ProtocolUnsupported()
		c.log.Error().
			Str("peer_version", payload.ProtocolVersion).
			Str("supported", protocol.Version).
			Msg("unsupported protocol version, disconnecting for good")
		c.Disconnect(protocol.CloseUnsupportedProtocol, "unsupported protocol version")
		return
	}
	if payload.ProtocolVersion == "" {
		c.log.Warn().Msg("peer did not announce a protocol version, accepting")
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	c.startHeartbeat(time.Duration(payload.HeartbeatInterval) * time.Millisecond)
	c.log.Info().
		Str("node_id", payload.NodeID).
		Int("heartbeat_interval_ms", payload.HeartbeatInterval).
		Msg("registered with C&C")
	c.events.OnConnected()
}

// startHeartbeat runs the single heartbeat timer at the peer-dictated
// interval.
func (c *Client) startHeartbeat(interval time.Duration) {
	c.stopHeartbeat()
	if interval <= 0 {
		interval = c.cfg.HeartbeatInterval
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.heartbeatStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := c.Send(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
					NodeID:    c.cfg.NodeID,
					Timestamp: time.Now().UnixMilli(),
				})
				if err != nil {
					c.log.Debug().Err(err).Msg("heartbeat send failed")
				}
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	c.mu.Unlock()
}

// Send validates and writes one outbound frame. Frames failing validation
// are dropped rather than risking protocol corruption; ErrNotConnected
// tells the caller to buffer.
func (c *Client) Send(msgType string, payload any) error {
	if err := protocol.ValidateOutbound(payload); err != nil {
		c.tel.OutboundValidationFailure()
		c.log.Error().
			Str("direction", "outbound").
			Str("correlation_id", uuid.NewString()).
			Str("message_type", msgType).
			Strs("validation_issues", protocol.ValidationIssues(err)).
			Interface("payload", sanitizePayload(payload)).
			Msg("dropping invalid outbound frame")
		return nil
	}

	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func sanitizePayload(payload any) any {
	data, err := json.Marshal(payload)
	if err != nil {
		return "[unserialisable]"
	}
	return protocol.SanitizeRaw(data)
}

// IsConnected reports whether the socket is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsRegistered reports whether the registration handshake completed on the
// current socket.
func (c *Client) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Disconnect closes the socket with the given code and disables reconnect.
func (c *Client) Disconnect(code int, reason string) {
	c.mu.Lock()
	c.shouldReconnect = false
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}
	deadline := time.Now().Add(closeGracePeriod)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		conn.Close()
		return
	}
	// Give the peer a moment to acknowledge, then force the read loop out.
	time.AfterFunc(closeGracePeriod, func() { conn.Close() })
}

// Stop closes the connection gracefully (code 1000) and disables reconnect.
func (c *Client) Stop() {
	c.Disconnect(websocket.CloseNormalClosure, "shutdown")
}

func (c *Client) reconnectEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldReconnect
}
