package biliagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/simpleKalvin/bilibili-agent/auth"
)

// Production API hosts.
const (
	DefaultLiveAPIBase = "https://api.live.bilibili.com"
	DefaultMainAPIBase = "https://api.bilibili.com"
)

var (
	// ErrCredentialExpired means the platform no longer accepts the
	// credential; refresh or re-login is required.
	ErrCredentialExpired = errors.New("biliagent: credential expired")
	// ErrRateLimited means the chat-send endpoint rejected the message for
	// sending too fast. Surfaced to callers, never retried silently.
	ErrRateLimited = errors.New("biliagent: message rate limited")
)

// APIClient talks to the live and main REST APIs. It works independently of
// the channel connection. The credential can be swapped after a refresh;
// all requests take the current one.
type APIClient struct {
	liveBase string
	mainBase string
	http     *http.Client

	mu   sync.RWMutex
	cred *auth.Credential
}

// NewAPIClient creates a REST client. Empty bases fall back to production.
func NewAPIClient(liveBase, mainBase string, cred *auth.Credential) *APIClient {
	if liveBase == "" {
		liveBase = DefaultLiveAPIBase
	}
	if mainBase == "" {
		mainBase = DefaultMainAPIBase
	}
	return &APIClient{
		liveBase: liveBase,
		mainBase: mainBase,
		http:     &http.Client{Timeout: 15 * time.Second},
		cred:     cred,
	}
}

// SetHTTPClient overrides the underlying HTTP client. Used by tests.
func (c *APIClient) SetHTTPClient(h *http.Client) { c.http = h }

// SetCredential swaps the credential after a refresh or re-login.
func (c *APIClient) SetCredential(cred *auth.Credential) {
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
}

func (c *APIClient) credential() *auth.Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred
}

// ResolveRoom resolves a display room id into a RoomTarget: real id, live
// status, channel endpoints, and the anti-hijack token.
func (c *APIClient) ResolveRoom(ctx context.Context, roomID int64) (*RoomTarget, error) {
	var initResp apiEnvelope[roomInitData]
	err := c.getJSON(ctx, c.liveBase+"/room/v1/Room/room_init?id="+strconv.FormatInt(roomID, 10), &initResp)
	if err != nil {
		return nil, err
	}
	if initResp.Code != 0 {
		return nil, fmt.Errorf("biliagent: room_init code %d: %s", initResp.Code, initResp.Message)
	}

	var infoResp apiEnvelope[danmuInfoData]
	err = c.getJSON(ctx, c.liveBase+"/xlive/web-room/v1/index/getDanmuInfo?type=0&id="+strconv.FormatInt(initResp.Data.RoomID, 10), &infoResp)
	if err != nil {
		return nil, err
	}
	if infoResp.Code == codeNotLoggedIn {
		return nil, ErrCredentialExpired
	}
	if infoResp.Code != 0 {
		return nil, fmt.Errorf("biliagent: getDanmuInfo code %d: %s", infoResp.Code, infoResp.Message)
	}
	if len(infoResp.Data.HostList) == 0 {
		return nil, errors.New("biliagent: no channel hosts for room")
	}

	return &RoomTarget{
		RoomID: roomID,
		RealID: initResp.Data.RoomID,
		Token:  infoResp.Data.Token,
		Hosts:  infoResp.Data.HostList,
		Live:   initResp.Data.LiveStatus == 1,
	}, nil
}

// LiveStatus reports whether the room is currently streaming.
func (c *APIClient) LiveStatus(ctx context.Context, roomID int64) (bool, error) {
	var resp apiEnvelope[roomInitData]
	err := c.getJSON(ctx, c.liveBase+"/room/v1/Room/room_init?id="+strconv.FormatInt(roomID, 10), &resp)
	if err != nil {
		return false, err
	}
	if resp.Code != 0 {
		return false, fmt.Errorf("biliagent: room_init code %d: %s", resp.Code, resp.Message)
	}
	return resp.Data.LiveStatus == 1, nil
}

// SendMessage posts a chat message to the room. Rate-limit and credential
// errors come back as ErrRateLimited / ErrCredentialExpired.
func (c *APIClient) SendMessage(ctx context.Context, roomID int64, text string) error {
	cred := c.credential()
	if cred == nil {
		return ErrCredentialExpired
	}

	form := url.Values{
		"bubble":     {"0"},
		"msg":        {text},
		"color":      {"16777215"},
		"mode":       {"1"},
		"fontsize":   {"25"},
		"rnd":        {strconv.FormatInt(time.Now().Unix(), 10)},
		"roomid":     {strconv.FormatInt(roomID, 10)},
		"csrf":       {cred.BiliJCT},
		"csrf_token": {cred.BiliJCT},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.liveBase+"/msg/send",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", cred.CookieHeader())

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("biliagent: send: %w", err)
	}
	defer httpResp.Body.Close()

	var resp apiEnvelope[json.RawMessage]
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("biliagent: send: decode: %w", err)
	}

	switch resp.Code {
	case 0:
		return nil
	case codeNotLoggedIn:
		return ErrCredentialExpired
	case codeMsgRateLimited, codeMsgTooFrequent:
		return fmt.Errorf("%w: %s", ErrRateLimited, resp.Message)
	default:
		return fmt.Errorf("biliagent: send code %d: %s", resp.Code, resp.Message)
	}
}

// Me fetches the authenticated viewer's identity from the main API. Also
// serves as a cheap credential validity check.
func (c *APIClient) Me(ctx context.Context) (*UserInfo, error) {
	var resp apiEnvelope[navData]
	if err := c.getJSON(ctx, c.mainBase+"/x/web-interface/nav", &resp); err != nil {
		return nil, err
	}
	if resp.Code == codeNotLoggedIn || !resp.Data.IsLogin {
		return nil, ErrCredentialExpired
	}
	if resp.Code != 0 {
		return nil, fmt.Errorf("biliagent: nav code %d: %s", resp.Code, resp.Message)
	}
	return &UserInfo{UID: resp.Data.Mid, Uname: resp.Data.Uname}, nil
}

func (c *APIClient) getJSON(ctx context.Context, rawURL string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if cred := c.credential(); cred != nil {
		req.Header.Set("Cookie", cred.CookieHeader())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("biliagent: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("biliagent: api returned %d: %s", resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("biliagent: decode response: %w", err)
	}
	return nil
}
