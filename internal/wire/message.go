package wire

import "encoding/json"

// JSON-RPC 2.0 reserved error codes, per the base spec.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// kindToCode / codeToKind bridge the numeric JSON-RPC error code (kept for
// interop with any generic JSON-RPC 2.0 client) to our typed Kind, carried
// redundantly in error.data.kind for callers that care about the taxonomy
// rather than the code.
var kindToCode = map[Kind]int{
	KindProtocol:       codeInvalidRequest,
	KindAuth:           -32001,
	KindNoMatch:        -32002,
	KindAllocationLost: -32003,
	KindResourceBusy:   -32004,
	KindTransient:      -32005,
	KindInternal:       codeInternalError,
}

var codeToKind = func() map[int]Kind {
	m := make(map[int]Kind, len(kindToCode))
	for k, c := range kindToCode {
		m[c] = k
	}
	return m
}()

// envelope is the on-the-wire shape of every JSON-RPC message this package
// sends or receives: request, success response, or error response, unified
// into one struct so a single json.Unmarshal can classify it.
type envelope struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *wireError       `json:"error,omitempty"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type errorData struct {
	Kind Kind `json:"kind"`
}

func encodeError(err error) *wireError {
	if e, ok := AsError(err); ok {
		code, ok := kindToCode[e.Kind]
		if !ok {
			code = codeInternalError
		}
		data, _ := json.Marshal(errorData{Kind: e.Kind})
		return &wireError{Code: code, Message: e.Message, Data: data}
	}
	return &wireError{Code: codeInternalError, Message: err.Error()}
}

func decodeError(we *wireError) error {
	kind, ok := codeToKind[we.Code]
	if !ok {
		kind = KindInternal
	}
	if len(we.Data) > 0 {
		var d errorData
		if json.Unmarshal(we.Data, &d) == nil && d.Kind != "" {
			kind = d.Kind
		}
	}
	return &Error{Kind: kind, Message: we.Message}
}
