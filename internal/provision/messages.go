package provision

import (
	"encoding/json"
	"fmt"
)

// Command type tags carried in the "type" field of every datagram.
const (
	TypeConfig      = "config"
	TypeReadConfig  = "read_config"
	TypeUpgrade     = "upgrade"
	TypeReboot      = "reboot"
	TypeConnectMQTT = "connect-mqtt"
)

// Config is a device configuration as a flat JSON object.
type Config map[string]any

// typed is the minimal envelope shared by every datagram.
type typed struct {
	Type string `json:"type"`
}

// UpgradeCommand tells a device where to fetch new firmware and how to
// reach the broker afterwards.
type UpgradeCommand struct {
	Type         string `json:"type"`
	FileName     string `json:"fileName"`
	DownloadURL  string `json:"downloadUrl"`
	FileSize     *int64 `json:"fileSize,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	IP           string `json:"ip"`
	MQTTPort     int    `json:"mqttPort"`
	MQTTUsername string `json:"mqttUsername"`
	MQTTPassword string `json:"mqttPassword"`
}

// ConnectMQTTCommand points a device at the broker on ip.
type ConnectMQTTCommand struct {
	Type string `json:"type"`
	IP   string `json:"ip"`
}

// EncodeConfig builds a {type:"config", ...fields} datagram. A "type" key
// in fields is overridden.
func EncodeConfig(fields Config) ([]byte, error) {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["type"] = TypeConfig
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return data, nil
}

// encodeType builds a datagram carrying only a type tag.
func encodeType(t string) []byte {
	data, _ := json.Marshal(typed{Type: t})
	return data
}

// decodeReply parses a reply datagram. ok is false for anything that is
// not a JSON object with a string type.
func decodeReply(data []byte) (t string, payload Config, ok bool) {
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", nil, false
	}
	t, ok = payload["type"].(string)
	return t, payload, ok
}

func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding command: %w", err)
	}
	return data, nil
}
