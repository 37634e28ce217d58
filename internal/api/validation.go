package api

import (
	"strings"

	"falconeye/internal/entity"
)

// ValidateCamera checks a camera spec before it is written to the registry.
// A spec that fails here never reaches reconciliation.
func ValidateCamera(c *entity.Camera) error {
	if !c.Protocol.Valid() {
		return NewValidationError("protocol", "must be one of usb, rtsp, http, onvif")
	}
	if c.Source == "" {
		return NewValidationError("source", "must not be empty")
	}

	switch c.Protocol {
	case entity.ProtocolUSB:
		// USB devices are not relocatable; a relay scheduled on the wrong
		// node would see no device and crash-loop.
		if c.NodeConstraint == "" {
			return NewValidationError("nodeConstraint", "required for usb cameras")
		}
		if !strings.HasPrefix(c.Source, "/dev/") {
			return NewValidationError("source", "usb cameras require a /dev device path")
		}
	case entity.ProtocolRTSP:
		if !strings.HasPrefix(c.Source, "rtsp://") {
			return NewValidationError("source", "rtsp cameras require an rtsp:// URL")
		}
	case entity.ProtocolHTTP:
		if !strings.HasPrefix(c.Source, "http://") && !strings.HasPrefix(c.Source, "https://") {
			return NewValidationError("source", "http cameras require an http(s):// URL")
		}
	}

	if c.Resolution != "" && !validResolution(c.Resolution) {
		return NewValidationError("resolution", "must look like 1920x1080")
	}
	return nil
}

// ValidateAgent checks an agent spec before it is written to the registry.
func ValidateAgent(a *entity.Agent) error {
	if !a.AgentKind.Valid() {
		return NewValidationError("agentKind", "must be one of main, channel-adapter, ephemeral")
	}
	if a.AgentKind == entity.AgentKindEphemeral && a.SpawnReason == "" {
		return NewValidationError("spawnReason", "required for ephemeral agents")
	}
	if a.AgentKind != entity.AgentKindEphemeral && a.SpawnReason != "" {
		return NewValidationError("spawnReason", "only allowed for ephemeral agents")
	}
	return nil
}

func validResolution(s string) bool {
	w, h, ok := strings.Cut(s, "x")
	if !ok || w == "" || h == "" {
		return false
	}
	for _, part := range []string{w, h} {
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
