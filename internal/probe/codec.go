package probe

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"styx-dpi/internal/model"
)

// EncodeWindow serializes the rows of one flushed window. The message is a
// protobuf Struct with a "rows" list so consumers need no generated code.
func EncodeWindow(rows []model.TrafficRow) ([]byte, error) {
	list := make([]any, 0, len(rows))
	for _, r := range rows {
		var domain any
		if r.Domain != nil {
			domain = *r.Domain
		}
		list = append(list, map[string]any{
			"timestamp":      r.Timestamp,
			"local_address":  r.LocalAddress,
			"remote_address": r.RemoteAddress,
			"port":           r.Port,
			"bytes_sent":     r.BytesSent,
			"bytes_received": r.BytesReceived,
			"domain":         domain,
		})
	}

	msg, err := structpb.NewStruct(map[string]any{"rows": list})
	if err != nil {
		return nil, fmt.Errorf("failed to build window message: %w", err)
	}
	return proto.Marshal(msg)
}

// DecodeWindow is the inverse of EncodeWindow.
func DecodeWindow(data []byte) ([]model.TrafficRow, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal window: %w", err)
	}

	list := msg.GetFields()["rows"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("window message has no rows")
	}

	rows := make([]model.TrafficRow, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		if f == nil {
			return nil, fmt.Errorf("row %d is not an object", i)
		}
		row := model.TrafficRow{
			Timestamp:     f["timestamp"].GetStringValue(),
			LocalAddress:  f["local_address"].GetStringValue(),
			RemoteAddress: f["remote_address"].GetStringValue(),
			Port:          int(f["port"].GetNumberValue()),
			BytesSent:     int64(f["bytes_sent"].GetNumberValue()),
			BytesReceived: int64(f["bytes_received"].GetNumberValue()),
		}
		if d, ok := f["domain"].GetKind().(*structpb.Value_StringValue); ok {
			domain := d.StringValue
			row.Domain = &domain
		}
		rows = append(rows, row)
	}
	return rows, nil
}
