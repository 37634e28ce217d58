package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"falconeye/internal/entity"
)

func TestValidateCamera(t *testing.T) {
	tests := []struct {
		name      string
		camera    entity.Camera
		wantField string
	}{
		{
			name: "valid rtsp",
			camera: entity.Camera{
				Protocol: entity.ProtocolRTSP,
				Source:   "rtsp://10.1.2.3/stream",
			},
		},
		{
			name: "valid usb",
			camera: entity.Camera{
				Entity:   entity.Entity{NodeConstraint: "edge-1"},
				Protocol: entity.ProtocolUSB,
				Source:   "/dev/video0",
			},
		},
		{
			name: "valid http with resolution",
			camera: entity.Camera{
				Protocol:   entity.ProtocolHTTP,
				Source:     "https://cam.local/mjpeg",
				Resolution: "1280x720",
			},
		},
		{
			name: "valid onvif",
			camera: entity.Camera{
				Protocol: entity.ProtocolONVIF,
				Source:   "onvif://cam.local",
			},
		},
		{
			name: "unknown protocol",
			camera: entity.Camera{
				Protocol: entity.Protocol("webrtc"),
				Source:   "rtsp://x",
			},
			wantField: "protocol",
		},
		{
			name: "empty source",
			camera: entity.Camera{
				Protocol: entity.ProtocolRTSP,
			},
			wantField: "source",
		},
		{
			name: "usb without node constraint",
			camera: entity.Camera{
				Protocol: entity.ProtocolUSB,
				Source:   "/dev/video0",
			},
			wantField: "nodeConstraint",
		},
		{
			name: "usb with non-device source",
			camera: entity.Camera{
				Entity:   entity.Entity{NodeConstraint: "edge-1"},
				Protocol: entity.ProtocolUSB,
				Source:   "video0",
			},
			wantField: "source",
		},
		{
			name: "rtsp with http url",
			camera: entity.Camera{
				Protocol: entity.ProtocolRTSP,
				Source:   "http://10.1.2.3/stream",
			},
			wantField: "source",
		},
		{
			name: "http with bare host",
			camera: entity.Camera{
				Protocol: entity.ProtocolHTTP,
				Source:   "cam.local/mjpeg",
			},
			wantField: "source",
		},
		{
			name: "malformed resolution",
			camera: entity.Camera{
				Protocol:   entity.ProtocolRTSP,
				Source:     "rtsp://x",
				Resolution: "1080p",
			},
			wantField: "resolution",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCamera(&tt.camera)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.True(t, IsValidation(err))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}

func TestValidateAgent(t *testing.T) {
	tests := []struct {
		name      string
		agent     entity.Agent
		wantField string
	}{
		{
			name:  "valid main",
			agent: entity.Agent{AgentKind: entity.AgentKindMain},
		},
		{
			name:  "valid channel adapter",
			agent: entity.Agent{AgentKind: entity.AgentKindChannelAdapter},
		},
		{
			name:  "valid ephemeral",
			agent: entity.Agent{AgentKind: entity.AgentKindEphemeral, SpawnReason: "parent-1"},
		},
		{
			name:      "unknown kind",
			agent:     entity.Agent{AgentKind: entity.AgentKind("sidekick")},
			wantField: "agentKind",
		},
		{
			name:      "ephemeral without spawn reason",
			agent:     entity.Agent{AgentKind: entity.AgentKindEphemeral},
			wantField: "spawnReason",
		},
		{
			name:      "main with spawn reason",
			agent:     entity.Agent{AgentKind: entity.AgentKindMain, SpawnReason: "parent-1"},
			wantField: "spawnReason",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAgent(&tt.agent)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.wantField, ve.Field)
		})
	}
}
