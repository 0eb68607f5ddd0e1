package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/trymwestin/ufanet/internal/core/transport"
)

// Backend endpoints, relative to the API base.
const (
	IntercomsEndpoint = "api/v0/skud/shared/"
	CamerasEndpoint   = "api/v1/cctv"
	ContractEndpoint  = "/api/v0/contract"
	openDoorEndpoint  = "api/v0/skud/shared/%d/open/"
)

// ErrIntercomNotFound is returned when an intercom id is not in the
// current intercom list.
var ErrIntercomNotFound = errors.New("api: intercom not found")

// Intercoms lists the intercoms shared with the contract.
func (c *Client) Intercoms(ctx context.Context) ([]Intercom, error) {
	var raw json.RawMessage
	if err := c.Request(ctx, Call{Name: "intercoms", Endpoint: IntercomsEndpoint}, &raw); err != nil {
		return nil, err
	}
	return decodeList[Intercom]("intercoms", raw)
}

// Cameras lists the CCTV cameras available to the contract.
func (c *Client) Cameras(ctx context.Context) ([]Camera, error) {
	var raw json.RawMessage
	if err := c.Request(ctx, Call{Name: "cameras", Endpoint: CamerasEndpoint}, &raw); err != nil {
		return nil, err
	}
	return decodeList[Camera]("cameras", raw)
}

// Contract fetches the contract record. The backend answers with either the
// object or a single-element list.
func (c *Client) Contract(ctx context.Context) (Contract, error) {
	var raw json.RawMessage
	if err := c.Request(ctx, Call{Name: "contract", Endpoint: ContractEndpoint}, &raw); err != nil {
		return Contract{}, err
	}

	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return Contract{}, malformed("contract", errNullBody)
	}
	if raw[0] == '[' {
		list, err := decodeList[Contract]("contract", raw)
		if err != nil {
			return Contract{}, err
		}
		if len(list) == 0 {
			return Contract{}, malformed("contract", errors.New("empty contract list"))
		}
		return list[0], nil
	}

	var out Contract
	if err := json.Unmarshal(raw, &out); err != nil {
		return Contract{}, malformed("contract", err)
	}
	if err := out.validate(); err != nil {
		return Contract{}, malformed("contract", err)
	}
	return out, nil
}

type openDoorResponse struct {
	Result *bool `json:"result"`
}

// OpenDoor asks the backend to open the intercom's door and reports the
// backend's result. Each call triggers one remote attempt.
func (c *Client) OpenDoor(ctx context.Context, intercomID int) (bool, error) {
	var out openDoorResponse
	err := c.Request(ctx, Call{
		Name:     "open_door",
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf(openDoorEndpoint, intercomID),
	}, &out)
	if err != nil {
		return false, err
	}
	if out.Result == nil {
		return false, malformed("open_door", errors.New("response has no result"))
	}
	c.log.Info("door open requested", "intercom_id", intercomID, "result", *out.Result)
	return *out.Result, nil
}

// FindIntercom returns the intercom with the given id from list.
func FindIntercom(list []Intercom, id int) (Intercom, bool) {
	for _, ic := range list {
		if ic.ID == id {
			return ic, true
		}
	}
	return Intercom{}, false
}

// Favorites returns the intercoms marked as favorite, in order.
func Favorites(list []Intercom) []Intercom {
	var out []Intercom
	for _, ic := range list {
		if ic.IsFavorite {
			out = append(out, ic)
		}
	}
	return out
}

// ParseIntercomID parses a decimal intercom id.
func ParseIntercomID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("api: invalid intercom id %q", s)
	}
	return id, nil
}

var errNullBody = errors.New("response body is null")

// record is a decoded resource that can check its own required fields.
type record interface {
	validate() error
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// decodeList decodes a JSON array of records, rejecting a null body and any
// element missing its required fields.
func decodeList[T record](endpoint string, raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return nil, malformed(endpoint, errNullBody)
	}
	var list []T
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, malformed(endpoint, err)
	}
	for i, r := range list {
		if err := r.validate(); err != nil {
			return nil, malformed(endpoint, fmt.Errorf("item %d: %w", i, err))
		}
	}
	return list, nil
}

func malformed(endpoint string, err error) error {
	return &transport.APIError{
		Kind:     transport.KindMalformedResponse,
		Endpoint: endpoint,
		Status:   http.StatusOK,
		Err:      err,
	}
}
