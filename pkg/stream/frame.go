package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Command methods understood by the combined stream.
const (
	MethodSubscribe         = "SUBSCRIBE"
	MethodUnsubscribe       = "UNSUBSCRIBE"
	MethodListSubscriptions = "LIST_SUBSCRIPTIONS"
	MethodSetProperty       = "SET_PROPERTY"
	MethodGetProperty       = "GET_PROPERTY"
)

type command struct {
	Method string `json:"method"`
	Params []any  `json:"params,omitempty"`
	ID     int64  `json:"id"`
}

// RemoteError is the error object of a rejected command.
type RemoteError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Msg)
}

type frameKind int

const (
	frameError frameKind = iota
	frameData
	frameResponse
)

func (k frameKind) String() string {
	switch k {
	case frameData:
		return "data"
	case frameResponse:
		return "response"
	default:
		return "error"
	}
}

type frame struct {
	kind   frameKind
	stream string
	data   json.RawMessage
	id     int64
	result json.RawMessage
	remote *RemoteError
	// reason describes why a frame was classified as an error frame.
	reason string
}

// classify sorts a frame into data, response or error by key presence.
func classify(data []byte) frame {
	var fields map[string]json.RawMessage
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return frame{kind: frameError, reason: "not a json object"}
	}

	if raw, ok := fields["stream"]; ok {
		var name string
		if err := sonic.Unmarshal(raw, &name); err != nil || name == "" {
			return frame{kind: frameError, reason: "invalid stream name"}
		}
		payload, ok := fields["data"]
		if !ok {
			return frame{kind: frameError, stream: name, reason: "stream frame without data"}
		}
		return frame{kind: frameData, stream: name, data: payload}
	}

	rawID, hasID := fields["id"]
	result, hasResult := fields["result"]
	rawErr, hasErr := fields["error"]
	if !hasID || (!hasResult && !hasErr) {
		return frame{kind: frameError, reason: "neither data nor response"}
	}

	var id int64
	if err := sonic.Unmarshal(rawID, &id); err != nil {
		return frame{kind: frameError, reason: "invalid response id"}
	}

	f := frame{kind: frameResponse, id: id, result: result}
	if hasErr && !bytes.Equal(bytes.TrimSpace(rawErr), []byte("null")) {
		remote := &RemoteError{}
		if err := sonic.Unmarshal(rawErr, remote); err != nil {
			remote.Msg = string(rawErr)
		}
		f.remote = remote
	}
	return f
}
