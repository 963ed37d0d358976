package ocpp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdTokenHash(t *testing.T) {
	token := IdToken{IdToken: "ABC123", Type: IdTokenTypeISO15693}

	h1 := token.Hash()
	h2 := IdToken{IdToken: "ABC123", Type: IdTokenTypeISO15693}.Hash()

	// 两端对同一凭证必须得到同一摘要
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	other := IdToken{IdToken: "ABC123", Type: IdTokenTypeCentral}
	assert.NotEqual(t, h1, other.Hash())
}

func TestConnectorStatusIsValid(t *testing.T) {
	for _, s := range []ConnectorStatus{
		ConnectorStatusAvailable,
		ConnectorStatusOccupied,
		ConnectorStatusReserved,
		ConnectorStatusUnavailable,
		ConnectorStatusFaulted,
	} {
		assert.True(t, s.IsValid(), string(s))
	}

	assert.False(t, ConnectorStatus("Charging").IsValid())
	assert.False(t, ConnectorStatus("").IsValid())
}

func TestTransactionEventRequestWireShape(t *testing.T) {
	req := TransactionEventRequest{
		EventType:     TransactionEventStarted,
		Timestamp:     "2024-01-01T00:00:00Z",
		TriggerReason: TriggerReasonCablePluggedIn,
		SeqNo:         0,
		TransactionInfo: TransactionInfo{
			TransactionID: "tx-1",
			ChargingState: ChargingStateCharging,
		},
		IdToken: &IdToken{IdToken: "ABC", Type: IdTokenTypeISO15693},
		Evse:    &EVSE{ID: 1, ConnectorID: 1},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "Started", decoded["eventType"])
	assert.Equal(t, float64(0), decoded["seqNo"])
	// 未设置的可选字段不得出现在载荷中
	assert.NotContains(t, decoded, "meterValue")
	info := decoded["transactionInfo"].(map[string]interface{})
	assert.NotContains(t, info, "stoppedReason")
	assert.NotContains(t, info, "remoteStartId")
}
