package provision

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeConfigOverridesType(t *testing.T) {
	data, err := EncodeConfig(Config{"type": "reboot", "name": "kitchen"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "config", out["type"])
	assert.Equal(t, "kitchen", out["name"])
}

func TestEncodeConfigUnencodable(t *testing.T) {
	_, err := EncodeConfig(Config{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name string
		in   string
		typ  string
		ok   bool
	}{
		{"config", `{"type":"config","a":1}`, "config", true},
		{"not json", `{`, "", false},
		{"array", `[1,2]`, "", false},
		{"missing type", `{"a":1}`, "", false},
		{"numeric type", `{"type":3}`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, _, ok := decodeReply([]byte(tt.in))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.typ, typ)
		})
	}
}

func TestCallResolvesOnce(t *testing.T) {
	c := newCall(TypeReadConfig, "10.0.0.5")
	assert.NotEmpty(t, c.ID)
	assert.True(t, c.resolve(Config{"a": 1}, nil))
	assert.False(t, c.resolve(nil, ErrTimeout))

	res, err := c.Result()
	assert.NoError(t, err)
	assert.Equal(t, Config{"a": 1}, res)
}
