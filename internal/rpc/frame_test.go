package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
)

func TestFrameMarshalCall(t *testing.T) {
	frame := &Frame{
		Type:    MessageTypeCall,
		ID:      "19223201",
		Action:  ocpp.ActionBootNotification,
		Payload: json.RawMessage(`{"reason":"PowerUp"}`),
	}

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"19223201","BootNotification",{"reason":"PowerUp"}]`, string(data))
}

func TestFrameMarshalCallResult(t *testing.T) {
	frame := &Frame{
		Type:    MessageTypeCallResult,
		ID:      "19223201",
		Payload: json.RawMessage(`{"currentTime":"2024-01-01T00:00:00Z"}`),
	}

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"19223201",{"currentTime":"2024-01-01T00:00:00Z"}]`, string(data))
}

func TestFrameMarshalCallError(t *testing.T) {
	frame := &Frame{
		Type:             MessageTypeCallError,
		ID:               "19223201",
		ErrorCode:        ErrorCodeNotImplemented,
		ErrorDescription: "unknown action",
	}

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"19223201","NotImplemented","unknown action",{}]`, string(data))
}

func TestFrameUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Frame
		wantErr bool
	}{
		{
			name:  "call",
			input: `[2,"abc","Heartbeat",{}]`,
			want: Frame{
				Type:    MessageTypeCall,
				ID:      "abc",
				Action:  ocpp.ActionHeartbeat,
				Payload: json.RawMessage(`{}`),
			},
		},
		{
			name:  "call result",
			input: `[3,"abc",{"status":"Accepted"}]`,
			want: Frame{
				Type:    MessageTypeCallResult,
				ID:      "abc",
				Payload: json.RawMessage(`{"status":"Accepted"}`),
			},
		},
		{
			name:  "call error",
			input: `[4,"abc","NotImplemented","unknown action",{}]`,
			want: Frame{
				Type:             MessageTypeCallError,
				ID:               "abc",
				ErrorCode:        ErrorCodeNotImplemented,
				ErrorDescription: "unknown action",
				ErrorDetails:     json.RawMessage(`{}`),
			},
		},
		{
			name:    "not an array",
			input:   `{"messageTypeId":2}`,
			wantErr: true,
		},
		{
			name:    "too short",
			input:   `[2,"abc"]`,
			wantErr: true,
		},
		{
			name:    "call without payload",
			input:   `[2,"abc","Heartbeat"]`,
			wantErr: true,
		},
		{
			name:    "unknown message type",
			input:   `[7,"abc",{}]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frame Frame
			err := json.Unmarshal([]byte(tt.input), &frame)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, frame)
		})
	}
}

func TestUnmarshalPayloadStrictMode(t *testing.T) {
	var req ocpp.StatusNotificationRequest

	err := UnmarshalPayload(json.RawMessage(`{"timestamp":"2024-01-01T00:00:00Z","connectorStatus":"Available","evseId":1,"connectorId":1}`), &req)
	require.NoError(t, err)
	assert.Equal(t, ocpp.ConnectorStatusAvailable, req.ConnectorStatus)

	// 缺失必填字段必须被拒绝
	err = UnmarshalPayload(json.RawMessage(`{"timestamp":"2024-01-01T00:00:00Z"}`), &ocpp.StatusNotificationRequest{})
	require.Error(t, err)
	rpcErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeFormationViolation, rpcErr.Code)
}
