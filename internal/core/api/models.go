package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Role is the user's role on an intercom.
type Role struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Intercom is a remotely openable door-access device.
type Intercom struct {
	ID                   int     `json:"id"`
	Contract             *string `json:"contract"`
	Role                 Role    `json:"role"`
	Camera               *string `json:"camera"`
	CCTVNumber           string  `json:"cctv_number"`
	StringView           string  `json:"string_view"`
	Timeout              int     `json:"timeout"`
	DisableButton        bool    `json:"disable_button"`
	NoSound              bool    `json:"no_sound"`
	OpenInTalk           string  `json:"open_in_talk"`
	OpenType             string  `json:"open_type"`
	DTMFCode             string  `json:"dtmf_code"`
	InactivityReason     *string `json:"inactivity_reason"`
	House                int     `json:"house"`
	FRSI                 bool    `json:"frsi"`
	IsFavorite           bool    `json:"is_fav"`
	Model                int     `json:"model"`
	CustomName           *string `json:"custom_name"`
	IsBlocked            bool    `json:"is_blocked"`
	SupportsKeyRecording bool    `json:"supports_key_recording"`
	BLESupport           bool    `json:"ble_support"`
	Scope                string  `json:"scope"`
}

// DisplayName prefers the user's custom name over the backend's label.
func (i Intercom) DisplayName() string {
	if i.CustomName != nil && *i.CustomName != "" {
		return *i.CustomName
	}
	if i.StringView != "" {
		return i.StringView
	}
	return "Intercom " + strconv.Itoa(i.ID)
}

func (i Intercom) validate() error {
	if i.ID <= 0 {
		return fmt.Errorf("intercom id %d is not positive", i.ID)
	}
	return nil
}

// Status is "blocked" for blocked intercoms and "online" otherwise.
func (i Intercom) Status() string {
	if i.IsBlocked {
		return "blocked"
	}
	return "online"
}

// Servers describes the media servers of a camera.
type Servers struct {
	Server           bool   `json:"server"`
	Domain           string `json:"domain"`
	ScreenshotDomain string `json:"screenshot_domain"`
	VendorName       string `json:"vendor_name"`
}

// Camera is a CCTV feed.
type Camera struct {
	Number    string  `json:"number"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Title     string  `json:"title"`
	Address   string  `json:"address"`
	TokenL    string  `json:"token_l"`
	TokenR    string  `json:"token_r"`
	Servers   Servers `json:"servers"`
	Type      string  `json:"type"`
}

// StreamURL derives the RTSP source from the server domain, camera number
// and left access token. It is computed on every call.
func (c Camera) StreamURL() string {
	return fmt.Sprintf("rtsp://%s/%s?token=%s", c.Servers.Domain, c.Number, c.TokenL)
}

func (c Camera) validate() error {
	switch {
	case c.Number == "":
		return errors.New("camera has no number")
	case c.Servers.Domain == "":
		return fmt.Errorf("camera %s has no server domain", c.Number)
	case c.TokenL == "":
		return fmt.Errorf("camera %s has no access token", c.Number)
	}
	return nil
}

// MarshalJSON adds the derived rtsp_url.
func (c Camera) MarshalJSON() ([]byte, error) {
	type plain Camera
	return json.Marshal(struct {
		plain
		RTSPURL string `json:"rtsp_url"`
	}{plain: plain(c), RTSPURL: c.StreamURL()})
}

// Contract is the account record tied to the billing balance.
type Contract struct {
	ID      int     `json:"id"`
	Title   string  `json:"title"`
	Balance float64 `json:"balance"`
}

func (c Contract) validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("contract id %d is not positive", c.ID)
	}
	return nil
}
