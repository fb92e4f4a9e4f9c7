// Package wire defines the JSON payload types carried inside Bilibili
// live-room channel frames. The frame package handles the binary envelope;
// everything here is body content.
package wire

import "encoding/json"

// JoinPayload is the body of a join frame (client → server). Key is the
// anti-hijack token returned by the danmu-info endpoint.
type JoinPayload struct {
	UID      int64  `json:"uid"`
	RoomID   int64  `json:"roomid"`
	ProtoVer int    `json:"protover"`
	Platform string `json:"platform"`
	Type     int    `json:"type"`
	Key      string `json:"key"`
}

// Envelope is the common shell of every notification body. Cmd selects the
// concrete payload shape; occasionally it carries a suffix (e.g.
// "DANMU_MSG:4:0:2:2:2:0") that must be stripped before matching.
type Envelope struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data"`
	Info json.RawMessage `json:"info"`
}

// Notification commands handled by the event package. Anything else maps to
// an unknown event.
const (
	CmdDanmaku   = "DANMU_MSG"
	CmdGift      = "SEND_GIFT"
	CmdGuardBuy  = "GUARD_BUY"
	CmdSuperChat = "SUPER_CHAT_MESSAGE"
	CmdInteract  = "INTERACT_WORD"
	CmdLive      = "LIVE"
	CmdPreparing = "PREPARING"
)

// GiftData is the data object of a SEND_GIFT notification.
type GiftData struct {
	UID       int64  `json:"uid"`
	Uname     string `json:"uname"`
	GiftID    int64  `json:"giftId"`
	GiftName  string `json:"giftName"`
	Num       int    `json:"num"`
	Price     int64  `json:"price"`     // value per unit, in gold seeds
	CoinType  string `json:"coin_type"` // "gold" or "silver"
	Timestamp int64  `json:"timestamp"`
}

// GuardBuyData is the data object of a GUARD_BUY notification. GuardLevel:
// 1 governor, 2 admiral, 3 captain.
type GuardBuyData struct {
	UID        int64  `json:"uid"`
	Username   string `json:"username"`
	GuardLevel int    `json:"guard_level"`
	Num        int    `json:"num"`
	Price      int64  `json:"price"`
	GiftID     int64  `json:"gift_id"`
	GiftName   string `json:"gift_name"`
	StartTime  int64  `json:"start_time"`
}

// SuperChatData is the data object of a SUPER_CHAT_MESSAGE notification.
type SuperChatData struct {
	ID        int64  `json:"id"`
	UID       int64  `json:"uid"`
	Message   string `json:"message"`
	Price     int64  `json:"price"` // CNY
	Time      int64  `json:"time"`  // pin duration, seconds
	StartTime int64  `json:"start_time"`
	UserInfo  struct {
		Uname string `json:"uname"`
		Face  string `json:"face"`
	} `json:"user_info"`
}

// InteractData is the data object of an INTERACT_WORD notification.
// MsgType 1 is room entry; other values (follow, share) are forwarded as-is.
type InteractData struct {
	UID       int64  `json:"uid"`
	Uname     string `json:"uname"`
	MsgType   int    `json:"msg_type"`
	RoomID    int64  `json:"roomid"`
	Timestamp int64  `json:"timestamp"`
}

// LiveData is the data carried by a LIVE notification.
type LiveData struct {
	RoomID   int64 `json:"roomid"`
	LiveTime int64 `json:"live_time"`
}
