package virtual

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/grainkit/grainkit/virtual/reqctx"
	"github.com/grainkit/grainkit/virtual/types"
)

type httpClient struct {
	c *http.Client
}

// NewHTTPClient returns a new HTTPClient that implements the RemoteClient interface.
func NewHTTPClient() RemoteClient {
	transport := &http.Transport{
		// Some of this is copy-pasta from http.DefaultTransport.
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        0, // No limit.
		MaxIdleConnsPerHost: 6500,
		MaxConnsPerHost:     0, // No limit.
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		// Some cloud providers (like GCP) rate-limit connections to 200MiB/s
		// which means if we allow the SDK to use HTTP2 connections and perform
		// multi-plexing our entire application will get throttled to ~200MiB/s
		// regardless of how many parallel streams we open so make sure we disable
		// HTTP2.
		ForceAttemptHTTP2:     false,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		WriteBufferSize:       1 << 18,
		ReadBufferSize:        1 << 18,
	}
	c := &http.Client{Transport: transport}
	return &httpClient{c: c}
}

func (h *httpClient) InvokeActorRemote(
	ctx context.Context,
	versionStamp int64,
	ref types.ActivationReference,
	method string,
	payload []byte,
	rc reqctx.Wire,
) ([]byte, error) {
	ir := types.InvokeActorDirectHttpRequest{
		VersionStamp:   versionStamp,
		ServerID:       ref.Physical.ServerID,
		ServerVersion:  ref.Physical.ServerVersion,
		Ref:            ref.Virtual,
		Method:         method,
		Payload:        payload,
		RequestContext: rc,
	}
	return h.do(ctx, ref, "/api/v1/invoke-actor-direct", &ir)
}

func (h *httpClient) DeactivateActorRemote(
	ctx context.Context,
	ref types.ActivationReference,
	rc reqctx.Wire,
) error {
	dr := types.DeactivateActorDirectHttpRequest{
		ServerID:       ref.Physical.ServerID,
		Ref:            ref.Virtual,
		RequestContext: rc,
	}
	_, err := h.do(ctx, ref, "/api/v1/deactivate-actor-direct", &dr)
	return err
}

func (h *httpClient) do(
	ctx context.Context,
	ref types.ActivationReference,
	path string,
	body any,
) ([]byte, error) {
	marshaled, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("HTTPClient: %s: error marshaling request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(
		ctx, "POST",
		fmt.Sprintf("http://%s%s", ref.Physical.Address, path),
		bytes.NewReader(marshaled))
	if err != nil {
		return nil, fmt.Errorf("HTTPClient: %s: error constructing request: %w", path, err)
	}

	deadline, ok := ctx.Deadline()
	if ok {
		timeout := time.Until(deadline)
		req.Header.Add(types.HTTPHeaderTimeout, timeout.String())
	}

	resp, err := h.c.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("HTTPClient: %s: error running request: %w", path, err)
		}
		// The server could not be reached at all.
		return nil, newMisdirectedError(
			fmt.Errorf("HTTPClient: %s: error running request: %w", path, err),
			ref.Physical.ServerID)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("HTTPClient: %s: error reading response body: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("HTTPClient: %s: error status code: %d, msg: %s", path, resp.StatusCode, string(respBody))

		// This ensures that errors that implement HTTPError *and* have a mapping
		// in statusCodeToErrorWrapper will be converted back to the proper in memory
		// error type if sent by a server to a client.
		//
		// A 421 is only a misdirection of this request if the server says so. Otherwise
		// it is a routing failure the grain ran into further downstream.
		if resp.StatusCode == http.StatusMisdirectedRequest &&
			resp.Header.Get(types.HTTPHeaderMisdirected) != "" {
			err = newMisdirectedError(err, ref.Physical.ServerID)
		} else if wrapper, ok := statusCodeToErrorWrapper[resp.StatusCode]; ok {
			err = wrapper(err, ref.Physical.ServerID)
		}
		return nil, err
	}

	return respBody, nil
}

// noopClient implements RemoteClient, but always returns an error.
type noopClient struct {
}

// newNOOPRemoteClient returns a new noopClient that implements RemoteClient.
func newNOOPRemoteClient() RemoteClient {
	return &noopClient{}
}

func (n *noopClient) InvokeActorRemote(
	ctx context.Context,
	versionStamp int64,
	ref types.ActivationReference,
	method string,
	payload []byte,
	rc reqctx.Wire,
) ([]byte, error) {
	return nil, newMisdirectedError(fmt.Errorf(
		"noopClient: tried to invoke grain(%s) remotely using noop client. Instantiate Environment with a real client instead",
		ref.Virtual), ref.Physical.ServerID)
}

func (n *noopClient) DeactivateActorRemote(
	ctx context.Context,
	ref types.ActivationReference,
	rc reqctx.Wire,
) error {
	return newMisdirectedError(fmt.Errorf(
		"noopClient: tried to deactivate grain(%s) remotely using noop client",
		ref.Virtual), ref.Physical.ServerID)
}
