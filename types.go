package biliagent

// --------------------------------------------------------------------------
// REST envelope
// --------------------------------------------------------------------------

// apiEnvelope is the common shell of live-API responses. Data is decoded per
// endpoint.
type apiEnvelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// Live-API error codes surfaced as typed errors.
const (
	codeNotLoggedIn    = -101
	codeMsgRateLimited = 10030
	codeMsgTooFrequent = 10031
)

// --------------------------------------------------------------------------
// Room resolution
// --------------------------------------------------------------------------

// roomInitData is returned by /room/v1/Room/room_init. RoomID is the real
// room id behind a short display id.
type roomInitData struct {
	RoomID     int64 `json:"room_id"`
	ShortID    int64 `json:"short_id"`
	UID        int64 `json:"uid"`
	LiveStatus int   `json:"live_status"` // 0 offline, 1 live, 2 replay
}

// DanmuHost is one chat-channel endpoint candidate.
type DanmuHost struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WssPort int    `json:"wss_port"`
	WsPort  int    `json:"ws_port"`
}

// danmuInfoData is returned by /xlive/web-room/v1/index/getDanmuInfo.
type danmuInfoData struct {
	Token    string      `json:"token"`
	HostList []DanmuHost `json:"host_list"`
}

// RoomTarget is a resolved monitoring target: the real room id, the channel
// endpoints, and the anti-hijack token the join frame must carry. Immutable
// for the lifetime of one connection; re-resolved on reconnect.
type RoomTarget struct {
	RoomID int64 // display id as configured
	RealID int64 // resolved real id
	Token  string
	Hosts  []DanmuHost
	Live   bool // live status at resolution time
}

// --------------------------------------------------------------------------
// User info
// --------------------------------------------------------------------------

// navData is returned by the main-API nav endpoint.
type navData struct {
	IsLogin bool   `json:"isLogin"`
	Mid     int64  `json:"mid"`
	Uname   string `json:"uname"`
}

// UserInfo identifies the authenticated viewer.
type UserInfo struct {
	UID   int64
	Uname string
}
