package virtual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/grainkit/grainkit/virtual/types"
)

var ErrUnknownMethod = errors.New("unknown method")

// JsonRpcRequest is a JSON-RPC 2.0 request received over the websocket endpoint. Params
// must be an array containing exactly one request object.
type JsonRpcRequest struct {
	VersionTag string          `json:"jsonrpc"`
	ID         any             `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
}

// JsonRpcResponse is a JSON-RPC 2.0 response sent over the websocket endpoint.
type JsonRpcResponse struct {
	VersionTag string        `json:"jsonrpc"`
	ID         any           `json:"id"`
	Result     any           `json:"result,omitempty"`
	Error      *JsonRpcError `json:"error,omitempty"`
}

// JsonRpcError is the error member of a JsonRpcResponse. Code is the HTTP status code the
// same error would have produced on the HTTP endpoints.
type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Error("error accepting websocket", slog.String("error", err.Error()))
		return
	}
	defer c.Close(websocket.StatusInternalError, "connection closed")

	for {
		var request JsonRpcRequest
		if err := wsjson.Read(ctx, c, &request); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.Close(websocket.StatusNormalClosure, "")
			}
			return
		}

		var result any
		switch request.Method {
		case "invoke":
			result, err = s.handleWsInvoke(ctx, request)
		case "invoke_direct":
			result, err = s.handleWsInvokeDirect(ctx, request)
		default:
			err = fmt.Errorf("%w: %s", ErrUnknownMethod, request.Method)
		}

		response := JsonRpcResponse{VersionTag: request.VersionTag, ID: request.ID}
		if err != nil {
			code := http.StatusInternalServerError
			var httpErr HTTPError
			if errors.As(err, &httpErr) {
				code = httpErr.HTTPStatusCode()
			}
			response.Error = &JsonRpcError{Code: code, Message: err.Error()}
		} else {
			response.Result = result
		}

		if err := wsjson.Write(ctx, c, response); err != nil {
			return
		}
	}
}

func (s *Server) handleWsInvoke(ctx context.Context, request JsonRpcRequest) ([]byte, error) {
	var params []types.InvokeActorHttpRequest
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return nil, badRequestErr{err}
	}

	if n := len(params); n != 1 {
		return nil, badRequestErr{fmt.Errorf("invalid number of params: expected 1 - received: %d", n)}
	}

	ctx, cc := context.WithTimeout(ctx, DefaultHTTPRequestTimeout)
	defer cc()
	return s.handleInvoke(ctx, params[0])
}

func (s *Server) handleWsInvokeDirect(ctx context.Context, request JsonRpcRequest) ([]byte, error) {
	var params []types.InvokeActorDirectHttpRequest
	if err := json.Unmarshal(request.Params, &params); err != nil {
		return nil, badRequestErr{err}
	}

	if n := len(params); n != 1 {
		return nil, badRequestErr{fmt.Errorf("invalid number of params: expected 1 - received: %d", n)}
	}

	ctx, cc := context.WithTimeout(ctx, DefaultHTTPRequestTimeout)
	defer cc()
	return s.handleInvokeDirect(ctx, params[0])
}
