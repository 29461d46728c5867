package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"Attestor/internal/wire"
)

// ErrNoKey is returned by command methods on a client without a signing key.
var ErrNoKey = errors.New("client has no signing key")

// APIError is a non-2xx response from a node.
type APIError struct {
	Status  int    // Status is the HTTP status code
	Message string // Message is the node's error text
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(path string, result any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", path, err)
	}

	return decodeResponse(resp, result)
}

// httpPost performs a POST request with a binary body and decodes the JSON response.
func (c *Client) httpPost(path string, body []byte, result any) error {
	resp, err := c.http.Post(c.baseURL+path, "application/octet-stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", path, err)
	}

	return decodeResponse(resp, result)
}

// httpCommand signs and sends a command request with a JSON payload.
// A nil payload sends an empty body.
func (c *Client) httpCommand(method, path string, payload, result any) error {
	if c.key == nil {
		return ErrNoKey
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode %s %s:\n%w", method, path, err)
		}
	}

	ts := time.Now().Unix()

	sig, commitment, err := c.key.Sign(wire.CommandMessage(method, path, ts, body))
	if err != nil {
		return fmt.Errorf("sign %s %s:\n%w", method, path, err)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, path, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(wire.HeaderKey, c.key.Public().String())
	req.Header.Set(wire.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(wire.HeaderCommitment, commitment.String())
	req.Header.Set(wire.HeaderSignature, sig.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, path, err)
	}

	return decodeResponse(resp, result)
}

// decodeResponse decodes a JSON body, turning error statuses into *APIError.
func decodeResponse(resp *http.Response, result any) error {
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)

		return &APIError{Status: resp.StatusCode, Message: body.Error}
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
