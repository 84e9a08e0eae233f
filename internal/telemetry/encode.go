package telemetry

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// wireReading is one element of the stream payload.
type wireReading struct {
	Serial string `json:"serial"`
	Port   int    `json:"port"`
	Temp   string `json:"temp"`
}

// Encode renders the readings of snap as a compact JSON array. Faults are
// not part of the payload. A nil snapshot encodes as an empty array.
func Encode(snap *Snapshot) ([]byte, error) {
	out := make([]wireReading, 0)
	if snap != nil {
		out = make([]wireReading, 0, len(snap.Readings))
		for _, r := range snap.Readings {
			out = append(out, wireReading{
				Serial: r.Device.String(),
				Port:   r.Port,
				Temp:   r.Temp.String(),
			})
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	return data, nil
}
