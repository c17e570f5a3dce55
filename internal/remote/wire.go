package remote

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"activeconfig/internal/types"

	"github.com/goccy/go-json"
)

// envelope is the {code, msg, data} wrapper of every response.
type envelope struct {
	Code flexString      `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// wireItem is one element of a GetKey or CheckUpdate data array.
type wireItem struct {
	Key     string     `json:"key"`
	Value   flexString `json:"value"`
	Type    flexString `json:"type"`
	EndTime flexString `json:"endtime"`
	MD5     string     `json:"md5"`
	Status  string     `json:"status"`
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

// parseEnvelope decodes the wrapper. A non-"0" code is an application error and the data is
// never looked at.
func parseEnvelope(body string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return env, types.Err(types.ErrProtocol, err, "parsing json failed")
	}
	if strings.TrimSpace(string(env.Code)) != "0" {
		return env, types.Err(types.ErrProtocol, nil, "server returned error %s: %s", env.Code, env.Msg)
	}
	return env, nil
}

// parseItems decodes the data array. A missing or null data field is an empty list.
func parseItems(data json.RawMessage) ([]wireItem, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	var items []wireItem
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, types.Err(types.ErrProtocol, err, "data is not an item array")
	}
	return items, nil
}

// parseEndTime converts unix seconds to a time. Empty means no expiry.
func parseEndTime(s flexString) (*time.Time, error) {
	str := strings.TrimSpace(string(s))
	if str == "" {
		return nil, nil
	}
	sec, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return nil, types.Err(types.ErrProtocol, err, "invalid endtime %q", str)
	}
	t := time.Unix(sec, 0)
	return &t, nil
}

// isNotFoundMarker reports the per-item status the server uses to deny a single key.
func isNotFoundMarker(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "keynotfound", "invalid":
		return true
	}
	return false
}
