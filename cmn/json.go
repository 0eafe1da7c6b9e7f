package cmn

import (
	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// DumpJSON renders v for a log line or ErrorEvent payload. Never used on
// the wire — the wire protocol is bit-packed per §6.
func DumpJSON(v interface{}) string {
	b, err := jsonAPI.Marshal(v)
	if err != nil {
		return "<unmarshalable>"
	}
	return string(b)
}
