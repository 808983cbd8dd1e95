package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "complete message",
			msg:  Message{ID: "req-1", Type: TypeHeartbeat, Timestamp: time.Now().UnixMilli()},
		},
		{
			name:    "missing id",
			msg:     Message{Type: TypeHeartbeat, Timestamp: 1},
			wantErr: true,
		},
		{
			name:    "missing type",
			msg:     Message{ID: "req-1", Timestamp: 1},
			wantErr: true,
		},
		{
			name:    "missing timestamp",
			msg:     Message{ID: "req-1", Type: TypeHeartbeat},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRecoverID(t *testing.T) {
	var msg Message
	raw := []byte(`{"id":"req-9","type":42}`) // type has the wrong JSON kind
	require.Error(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "req-9", recoverID(raw, &msg))

	assert.Equal(t, "", recoverID([]byte(`{{{`), &Message{}))
}

func TestResponseHelpers(t *testing.T) {
	ok := okResponse("req-1", map[string]interface{}{"pong": true}, 25*time.Millisecond)
	assert.True(t, ok.Success)
	assert.Equal(t, "req-1", ok.ID)
	assert.Equal(t, int64(25), ok.LatencyMs)
	assert.NotZero(t, ok.Timestamp)
	assert.Nil(t, ok.Error)

	fail := errResponse("req-2", ErrorInfo{Code: CodeNotFound, Message: "session not found"}, 0)
	assert.False(t, fail.Success)
	require.NotNil(t, fail.Error)
	assert.Equal(t, CodeNotFound, fail.Error.Code)
}

func TestResponseWireShape(t *testing.T) {
	resp := okResponse("req-1", map[string]interface{}{"output": "hi"}, time.Millisecond)
	resp.BackendInfo = &BackendInfo{ID: "be-1"}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "req-1", decoded["id"])
	assert.Equal(t, true, decoded["success"])
	assert.Contains(t, decoded, "timestamp")
	assert.NotContains(t, decoded, "error", "error field is omitted on success")
}
