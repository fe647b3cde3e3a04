package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionState(t *testing.T) {
	for st := Disconnected; st <= Invalid; st++ {
		parsed, err := ParseConnectionState(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}

	parsed, err := ParseConnectionState("  READY ")
	require.NoError(t, err)
	assert.Equal(t, Ready, parsed)

	_, err = ParseConnectionState("bonded")
	assert.Error(t, err)

	assert.Equal(t, "state(42)", ConnectionState(42).String())
}

func TestConnectionStateJSON(t *testing.T) {
	data, err := json.Marshal(map[string]ConnectionState{"s": Disconnecting})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"disconnecting"}`, string(data))

	var out map[string]ConnectionState
	require.NoError(t, json.Unmarshal([]byte(`{"s":"invalid"}`), &out))
	assert.Equal(t, Invalid, out["s"])
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"illegal state", illegalState("connect", "AA", Ready), IllegalState},
		{"busy", busy("start_data_notification", "AA"), Busy},
		{"transport", transportFailure("connect", "AA", errors.New("io")), TransportFailure},
		{"already classified keeps kind", transportFailure("connect", "AA", ErrPermissionDenied), PermissionDenied},
		{"wrapped", fmt.Errorf("scan: %w", &Error{Kind: Busy}), Busy},
		{"foreign", errors.New("plain"), Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			if tt.kind != Unknown {
				assert.True(t, IsKind(tt.err, tt.kind))
				assert.ErrorIs(t, tt.err, &Error{Kind: tt.kind})
			}
		})
	}

	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("gatt timeout")
	err := transportFailure("battery_power", "AA:BB", cause)

	assert.Equal(t, "battery_power: transport_failure [AA:BB]: gatt timeout", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrBusy)

	assert.Equal(t, "connect: illegal_state [AA]: not allowed in state ready", illegalState("connect", "AA", Ready).Error())
}

func TestSensorDataCounts(t *testing.T) {
	d := &SensorData{ChannelSamples: [][]Sample{
		{{}, {IsLost: true}},
		{{}, {}, {IsLost: true}},
	}}
	assert.Equal(t, 5, d.SampleCount())
	assert.Equal(t, 2, d.LostCount())

	var nilData *SensorData
	assert.Zero(t, nilData.SampleCount())
	assert.Equal(t, "EEG", DataTypeEEG.String())
	assert.Equal(t, "0x7f", DataType(0x7f).String())
}
