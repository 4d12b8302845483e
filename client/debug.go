package client

import (
	"encoding/json"
	"fmt"
)

// EnableDebugMode enables verbose error formatting with stack traces.
func (c *Client) EnableDebugMode() {
	c.debugMode.Store(true)
	c.logger.Info("debug mode enabled")
}

// DisableDebugMode disables debug mode.
func (c *Client) DisableDebugMode() {
	c.debugMode.Store(false)
	c.logger.Info("debug mode disabled")
}

// IsDebugMode returns whether debug mode is currently enabled.
func (c *Client) IsDebugMode() bool {
	return c.debugMode.Load()
}

// FormatError formats err according to the client's debug mode.
func (c *Client) FormatError(err error) string {
	return FormatError(err, c.IsDebugMode())
}

// GetDebugInfo returns a snapshot of client state for debugging.
func (c *Client) GetDebugInfo() map[string]interface{} {
	info := map[string]interface{}{
		"version":   Version,
		"state":     c.GetState().String(),
		"debugMode": c.IsDebugMode(),
	}

	c.mu.Lock()
	info["fetch"] = map[string]interface{}{
		"replySize":      c.policy.ReplySize,
		"maxPrefetch":    c.policy.MaxPrefetch,
		"arraySize":      c.policy.ArraySize(),
		"binaryEnabled":  c.policy.BinaryEnabled,
		"serverBinary":   c.policy.ServerBinaryExportLevel,
		"handshakeReply": c.policy.HandshakeReplySize(),
	}
	sess := c.session
	c.mu.Unlock()

	if sess != nil {
		m := sess.Metrics()
		conn := map[string]interface{}{
			"server":         sess.ServerType(),
			"healthy":        sess.Healthy(),
			"autoCommit":     sess.AutoCommit(),
			"serverReply":    sess.ReplySize(),
			"requests":       m.TotalRequests,
			"responses":      m.TotalResponses,
			"errors":         m.TotalErrors,
			"bytesSent":      m.BytesSent,
			"bytesReceived":  m.BytesReceived,
			"averageLatency": m.AverageLatency.String(),
		}
		if m.LastError != nil {
			conn["lastError"] = m.LastError.Error()
		}
		info["connection"] = conn
	}

	info["options"] = map[string]interface{}{
		"host":             c.opts.Host,
		"port":             c.opts.Port,
		"database":         c.opts.Database,
		"defaultTimeoutMs": c.opts.DefaultTimeoutMs,
		"maxRetries":       c.opts.MaxRetries,
		"tlsEnabled":       c.opts.TLSEnabled,
	}

	last := c.GetLastTransition()
	info["lastTransition"] = map[string]interface{}{
		"from":      last.From.String(),
		"to":        last.To.String(),
		"timestamp": last.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		"duration":  last.Duration.String(),
	}

	return info
}

// DumpDebugInfoJSON returns debug info as formatted JSON string.
func (c *Client) DumpDebugInfoJSON() string {
	bytes, err := json.MarshalIndent(c.GetDebugInfo(), "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "failed to marshal debug info: %s"}`, err.Error())
	}
	return string(bytes)
}
