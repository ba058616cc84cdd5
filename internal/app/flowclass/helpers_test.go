package flowclass

import "encoding/json"

func encodeForTest(v any) ([]byte, error) { return json.Marshal(v) }
func decodeForTest(raw []byte, into any) error { return json.Unmarshal(raw, into) }
