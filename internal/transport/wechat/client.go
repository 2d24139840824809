package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"groupwatch/internal/monitor"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

// ErrMalformed marks responses that could not be interpreted.
var ErrMalformed = errors.New("wechat: malformed response")

// UnknownMemberName is used when a member entry carries no nickname.
const UnknownMemberName = "unknown member"

const defaultTimeout = 10 * time.Second

// Config locates the protocol API of the host bot.
type Config struct {
	Host    string
	Port    int
	Wxid    string
	Version string
	Timeout time.Duration
}

// APIPrefix returns the route prefix used by a protocol version. Version
// "849" serves under /VXAPI; 855 and ipad serve under /api.
func APIPrefix(version string) string {
	if strings.TrimSpace(version) == "849" {
		return "/VXAPI"
	}
	return "/api"
}

// Client talks to the protocol API over HTTP. It fetches group members and
// sends text and link messages. Safe for concurrent use.
type Client struct {
	base string
	wxid string
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("wechat: protocol host is empty")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("wechat: invalid protocol port %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.Wxid) == "" {
		return nil, errors.New("wechat: bot wxid is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	base := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)) + APIPrefix(cfg.Version)
	return &Client{
		base: base,
		wxid: strings.TrimSpace(cfg.Wxid),
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

// BaseURL is the resolved scheme, host and route prefix.
func (c *Client) BaseURL() string { return c.base }

type envelope struct {
	Success      bool            `json:"Success"`
	Message      string          `json:"Message"`
	MessageLower string          `json:"message"`
	Data         json.RawMessage `json:"Data"`
}

func (e envelope) errorText() string {
	if e.Message != "" {
		return e.Message
	}
	if e.MessageLower != "" {
		return e.MessageLower
	}
	return "unknown error"
}

type memberDetail struct {
	NewChatroomData *struct {
		ChatRoomMember *[]rawMember `json:"ChatRoomMember"`
	} `json:"NewChatroomData"`
}

type rawMember struct {
	UserName        string  `json:"UserName"`
	NickName        *string `json:"NickName"`
	BigHeadImgURL   string  `json:"BigHeadImgUrl"`
	SmallHeadImgURL string  `json:"SmallHeadImgUrl"`
}

// Fetch returns the current member list of a group. Entries without a
// UserName are passed through with an empty id; the diff engine skips them.
func (c *Client) Fetch(ctx context.Context, groupID string) ([]monitor.Member, error) {
	var env envelope
	if err := c.post(ctx, "/Group/GetChatRoomMemberDetail", map[string]string{
		"QID":  groupID,
		"Wxid": c.wxid,
	}, &env); err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("wechat: member list for %s: %s", groupID, env.errorText())
	}

	var detail memberDetail
	if len(env.Data) == 0 || json.Unmarshal(env.Data, &detail) != nil {
		return nil, fmt.Errorf("%w: Data is not an object", ErrMalformed)
	}
	if detail.NewChatroomData == nil || detail.NewChatroomData.ChatRoomMember == nil {
		return nil, fmt.Errorf("%w: missing NewChatroomData.ChatRoomMember", ErrMalformed)
	}

	raw := *detail.NewChatroomData.ChatRoomMember
	out := make([]monitor.Member, 0, len(raw))
	for _, m := range raw {
		name := UnknownMemberName
		if m.NickName != nil && *m.NickName != "" {
			name = *m.NickName
		}
		avatar := m.BigHeadImgURL
		if avatar == "" {
			avatar = m.SmallHeadImgURL
		}
		out = append(out, monitor.Member{ID: m.UserName, Name: name, Avatar: avatar})
	}
	return out, nil
}

// SendText posts a plain text message to a room.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	var env envelope
	if err := c.post(ctx, "/Msg/SendTxt", map[string]any{
		"Wxid":    c.wxid,
		"ToWxid":  chatID,
		"Content": text,
		"Type":    1,
		"At":      "",
	}, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%w: wechat: send text to %s: %s", transport.ErrNotDelivered, chatID, env.errorText())
	}
	return nil
}

// SendLink posts a share card to a room.
func (c *Client) SendLink(ctx context.Context, chatID string, link transport.Link) error {
	payload, err := linkXML(link)
	if err != nil {
		return err
	}
	var env envelope
	if err := c.post(ctx, "/Msg/ShareLink", map[string]any{
		"Wxid":   c.wxid,
		"ToWxid": chatID,
		"Type":   5,
		"Xml":    payload,
	}, &env); err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%w: wechat: send link to %s: %s", transport.ErrNotDelivered, chatID, env.errorText())
	}
	return nil
}

type appMsg struct {
	XMLName  xml.Name `xml:"appmsg"`
	AppID    string   `xml:"appid,attr"`
	SDKVer   string   `xml:"sdkver,attr"`
	Title    string   `xml:"title"`
	Des      string   `xml:"des"`
	Type     int      `xml:"type"`
	URL      string   `xml:"url"`
	ThumbURL string   `xml:"thumburl"`
}

func linkXML(l transport.Link) (string, error) {
	b, err := xml.Marshal(appMsg{
		SDKVer:   "1",
		Title:    l.Title,
		Des:      l.Description,
		Type:     5,
		URL:      l.URL,
		ThumbURL: l.ThumbURL,
	})
	if err != nil {
		return "", fmt.Errorf("wechat: encode link: %w", err)
	}
	return string(b), nil
}

func (c *Client) post(ctx context.Context, path string, body any, out *envelope) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	// Once the request is fully written the host may act on it even if the
	// response never arrives.
	var written atomic.Bool
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				written.Store(true)
			}
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if !written.Load() {
			return fmt.Errorf("wechat: %s: %w: %w", path, transport.ErrNotDelivered, err)
		}
		return fmt.Errorf("wechat: %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("protocol call",
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("wechat: %s: http %d: %w", path, resp.StatusCode, transport.ErrNotDelivered)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	return nil
}
