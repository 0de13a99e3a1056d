package messaging

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// TransportConfig locates the broadcaster socket.
type TransportConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Scheme string `json:"scheme"`
	AppKey string `json:"app_key"`
}

// Channels names the channels every session subscribes to.
type Channels struct {
	User    string `json:"user"`
	Lottery string `json:"lottery"`
	System  string `json:"system"`
}

// Config is delivered by the REST collaborator and consumed by Connect.
type Config struct {
	Transport TransportConfig `json:"transport"`
	Channels  Channels        `json:"channels"`
	SessionID string          `json:"session_id"`
}

// ConnectionConfigError reports a Config that cannot be used. It is not retried.
type ConnectionConfigError struct {
	Field  string
	Reason string
}

func (e *ConnectionConfigError) Error() string {
	return fmt.Sprintf("messaging config: %s %s", e.Field, e.Reason)
}

// Validate checks the fields Connect depends on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Transport.Host) == "" {
		return &ConnectionConfigError{Field: "transport.host", Reason: "is required"}
	}
	if strings.TrimSpace(c.Transport.AppKey) == "" {
		return &ConnectionConfigError{Field: "transport.app_key", Reason: "is required"}
	}
	if c.Transport.Port < 0 || c.Transport.Port > 65535 {
		return &ConnectionConfigError{Field: "transport.port", Reason: "is out of range"}
	}
	switch strings.ToLower(c.Transport.Scheme) {
	case "", "http", "https", "ws", "wss":
	default:
		return &ConnectionConfigError{Field: "transport.scheme", Reason: fmt.Sprintf("%q is not supported", c.Transport.Scheme)}
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return &ConnectionConfigError{Field: "session_id", Reason: "is required"}
	}
	return nil
}

// Endpoint builds the socket URL, mapping http(s) schemes to ws(s).
func (c Config) Endpoint() string {
	scheme := "wss"
	switch strings.ToLower(c.Transport.Scheme) {
	case "http", "ws":
		scheme = "ws"
	}
	host := c.Transport.Host
	if c.Transport.Port != 0 {
		host = host + ":" + strconv.Itoa(c.Transport.Port)
	}
	u := url.URL{
		Scheme: scheme,
		Host:   host,
		Path:   "/app/" + c.Transport.AppKey,
	}
	q := url.Values{}
	q.Set("protocol", "7")
	q.Set("client", "pulse")
	q.Set("version", "1.0")
	u.RawQuery = q.Encode()
	return u.String()
}

func (c Config) defaultChannels() []string {
	var out []string
	for _, ch := range []string{c.Channels.User, c.Channels.System, c.Channels.Lottery} {
		if ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

// UserChannel names a user's private channel.
func UserChannel(userID int64) string {
	return "private-user." + strconv.FormatInt(userID, 10)
}

// GroupChannel names a group conversation's channel.
func GroupChannel(groupID int64) string {
	return "private-group." + strconv.FormatInt(groupID, 10)
}

func needsAuth(channel string) bool {
	return strings.HasPrefix(channel, "private-") || strings.HasPrefix(channel, "presence-")
}
