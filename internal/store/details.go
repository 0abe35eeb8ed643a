package store

import "encoding/json"

func encodeDetails(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	data, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeDetails(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var details map[string]string
	if err := json.Unmarshal([]byte(raw), &details); err != nil {
		return nil
	}
	return details
}
