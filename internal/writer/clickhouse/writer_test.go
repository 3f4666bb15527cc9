package clickhouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"styx-dpi/internal/model"
)

func TestRowValues(t *testing.T) {
	domain := "example.com"
	values, err := rowValues(model.TrafficRow{
		Timestamp:     "2024-03-01 12:00:05",
		LocalAddress:  "192.168.1.10",
		RemoteAddress: "93.184.216.34",
		Port:          443,
		BytesSent:     512,
		BytesReceived: 0,
		Domain:        &domain,
	})
	require.NoError(t, err)
	require.Len(t, values, 7)

	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC), values[0])
	assert.Equal(t, uint16(443), values[3])
	assert.Equal(t, uint64(512), values[4])
	assert.Equal(t, &domain, values[6])
}

func TestRowValues_Rejects(t *testing.T) {
	_, err := rowValues(model.TrafficRow{Timestamp: "yesterday"})
	assert.Error(t, err)

	_, err = rowValues(model.TrafficRow{Timestamp: "2024-03-01 12:00:05", Port: 70000})
	assert.Error(t, err)
}
