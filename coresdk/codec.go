// Package coresdk defines the payloads exchanged between a worker, the native
// core, and the orchestration server: activations, completions, activity
// tasks, heartbeats and the service request/response messages.
//
// Everything is JSON encoded. The bridge treats all of it as opaque bytes.
package coresdk

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
