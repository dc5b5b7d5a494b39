package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"

	"github.com/fxamacker/cbor/v2"

	"github.com/smdesai/vlm/envconfig"
	"github.com/smdesai/vlm/version"
)

const (
	mediaJSON = "application/json"
	mediaCBOR = "application/cbor"
)

// Client talks to a vlm server.
type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(base *url.URL, http *http.Client) *Client {
	return &Client{
		base: base,
		http: http,
	}
}

// ClientFromEnvironment creates a client for the server named by VLM_HOST.
func ClientFromEnvironment() (*Client, error) {
	host, err := envconfig.GetHost()
	if err != nil {
		return nil, err
	}

	return &Client{
		base: &url.URL{
			Scheme: host.Scheme,
			Host:   net.JoinHostPort(host.Host, host.Port),
		},
		http: http.DefaultClient,
	}, nil
}

func checkError(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}

	apiError := StatusError{StatusCode: resp.StatusCode, Status: resp.Status}

	if err := json.Unmarshal(body, &apiError); err != nil {
		// Use the full body as the message if we fail to decode a response.
		apiError.ErrorMessage = string(body)
	}

	return apiError
}

// do sends reqData as JSON and decodes the reply into respData. When
// binary is set the server is asked for CBOR, which carries float slices
// far more compactly.
func (c *Client) do(ctx context.Context, method, path string, reqData, respData any, binary bool) error {
	var reqBody io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(bts)
	}

	requestURL := c.base.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, requestURL.String(), reqBody)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", mediaJSON)
	request.Header.Set("Accept", mediaJSON)
	if binary {
		request.Header.Set("Accept", mediaCBOR)
	}
	request.Header.Set("User-Agent", fmt.Sprintf("vlm/%s (%s %s) Go/%s", version.Version, runtime.GOARCH, runtime.GOOS, runtime.Version()))

	respObj, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer respObj.Body.Close()

	respBody, err := io.ReadAll(respObj.Body)
	if err != nil {
		return err
	}

	if err := checkError(respObj, respBody); err != nil {
		return err
	}

	if len(respBody) == 0 || respData == nil {
		return nil
	}

	if respObj.Header.Get("Content-Type") == mediaCBOR {
		return cbor.Unmarshal(respBody, respData)
	}

	return json.Unmarshal(respBody, respData)
}

// Version returns the version of the server.
func (c *Client) Version(ctx context.Context) (string, error) {
	var version struct {
		Version string `json:"version"`
	}

	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &version, false); err != nil {
		return "", err
	}

	return version.Version, nil
}

// Heartbeat checks if the server has started and is responsive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodHead, "/", nil, nil, false)
}

// Resize returns the resampling target and patch grid of an image size.
func (c *Client) Resize(ctx context.Context, req *ResizeRequest) (*ResizeResponse, error) {
	var resp ResizeResponse
	if err := c.do(ctx, http.MethodPost, "/api/resize", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Prompt renders the chat prompt for known grids.
func (c *Client) Prompt(ctx context.Context, req *PromptRequest) (*PromptResponse, error) {
	var resp PromptResponse
	if err := c.do(ctx, http.MethodPost, "/api/prompt", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Preprocess turns encoded images and videos into model input. Responses
// carrying pixels are transferred as CBOR.
func (c *Client) Preprocess(ctx context.Context, req *PreprocessRequest) (*PreprocessResponse, error) {
	var resp PreprocessResponse
	if err := c.do(ctx, http.MethodPost, "/api/preprocess", req, &resp, req.Pixels); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List lists the models in the local cache of the server.
func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	var lr ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/models", nil, &lr, false); err != nil {
		return nil, err
	}
	return &lr, nil
}

// Delete removes a model from the local cache of the server.
func (c *Client) Delete(ctx context.Context, req *DeleteRequest) error {
	if req.Model == "" {
		return errors.New("model name is required")
	}
	return c.do(ctx, http.MethodDelete, "/api/models", req, nil, false)
}
