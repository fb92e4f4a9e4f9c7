// Package event maps decoded channel frames to typed domain events.
// Classification is total: bodies that cannot be parsed, and commands the
// package does not know, become Unknown events with the raw body retained
// so downstream consumers keep full provenance.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/simpleKalvin/bilibili-agent/frame"
	"github.com/simpleKalvin/bilibili-agent/wire"
)

// Type discriminates the event variants.
type Type int

const (
	TypeUnknown Type = iota
	TypeDanmaku
	TypeGift
	TypeGuardPurchase
	TypeSuperChat
	TypeRoomEntry
	TypeLiveStatus
	TypeHeartbeatAck
)

var typeNames = map[Type]string{
	TypeUnknown:       "unknown",
	TypeDanmaku:       "danmaku",
	TypeGift:          "gift",
	TypeGuardPurchase: "guard_purchase",
	TypeSuperChat:     "super_chat",
	TypeRoomEntry:     "room_entry",
	TypeLiveStatus:    "live_status",
	TypeHeartbeatAck:  "heartbeat_ack",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Danmaku is a scrolling chat message.
type Danmaku struct {
	UID    int64
	Uname  string
	Text   string
	SentAt time.Time
}

// Gift is a one-off virtual gift.
type Gift struct {
	UID      int64
	Uname    string
	GiftID   int64
	GiftName string
	Num      int
	Price    int64
	CoinType string
}

// GuardPurchase is a subscription-tier purchase.
type GuardPurchase struct {
	UID        int64
	Uname      string
	GuardLevel int
	GiftName   string
	Num        int
	Price      int64
}

// SuperChat is a paid pinned message.
type SuperChat struct {
	UID     int64
	Uname   string
	Message string
	Price   int64
}

// RoomEntry is a viewer entering the room.
type RoomEntry struct {
	UID   int64
	Uname string
}

// LiveStatus signals the room going live or into preparation.
type LiveStatus struct {
	Live bool
}

// HeartbeatAck carries the room popularity counter.
type HeartbeatAck struct {
	Popularity uint32
}

// Event is the closed tagged variant flowing through the dispatcher.
// Exactly one of the pointer fields matching Kind is set. Raw holds the
// originating body for Unknown events (and the cmd for known ones).
type Event struct {
	Kind       Type
	Cmd        string
	ReceivedAt time.Time
	Raw        json.RawMessage

	Danmaku       *Danmaku
	Gift          *Gift
	GuardPurchase *GuardPurchase
	SuperChat     *SuperChat
	RoomEntry     *RoomEntry
	LiveStatus    *LiveStatus
	HeartbeatAck  *HeartbeatAck
}

// SenderUID returns the uid of the originating viewer, or 0 when the event
// has no sender (heartbeat acks, live status, unknown).
func (e Event) SenderUID() int64 {
	switch e.Kind {
	case TypeDanmaku:
		return e.Danmaku.UID
	case TypeGift:
		return e.Gift.UID
	case TypeGuardPurchase:
		return e.GuardPurchase.UID
	case TypeSuperChat:
		return e.SuperChat.UID
	case TypeRoomEntry:
		return e.RoomEntry.UID
	}
	return 0
}

// FromFrame classifies a decoded frame. It never fails: undecodable bodies
// come back as Unknown events carrying the raw payload.
func FromFrame(f frame.Frame, now time.Time) Event {
	switch f.Op {
	case frame.OpHeartbeatReply:
		pop, err := frame.Popularity(f.Body)
		if err != nil {
			return unknown("", f.Body, now)
		}
		return Event{Kind: TypeHeartbeatAck, ReceivedAt: now, HeartbeatAck: &HeartbeatAck{Popularity: pop}}
	case frame.OpNotification:
		return fromNotification(f.Body, now)
	default:
		return unknown("", f.Body, now)
	}
}

func fromNotification(body []byte, now time.Time) Event {
	var env wire.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return unknown("", body, now)
	}

	// Strip rate-limit suffixes like "DANMU_MSG:4:0:2:2:2:0".
	cmd, _, _ := strings.Cut(env.Cmd, ":")

	switch cmd {
	case wire.CmdDanmaku:
		d, ok := parseDanmaku(env.Info)
		if !ok {
			return unknown(cmd, body, now)
		}
		return Event{Kind: TypeDanmaku, Cmd: cmd, ReceivedAt: now, Danmaku: d}
	case wire.CmdGift:
		var g wire.GiftData
		if err := json.Unmarshal(env.Data, &g); err != nil {
			return unknown(cmd, body, now)
		}
		return Event{Kind: TypeGift, Cmd: cmd, ReceivedAt: now, Gift: &Gift{
			UID: g.UID, Uname: g.Uname, GiftID: g.GiftID, GiftName: g.GiftName,
			Num: g.Num, Price: g.Price, CoinType: g.CoinType,
		}}
	case wire.CmdGuardBuy:
		var g wire.GuardBuyData
		if err := json.Unmarshal(env.Data, &g); err != nil {
			return unknown(cmd, body, now)
		}
		return Event{Kind: TypeGuardPurchase, Cmd: cmd, ReceivedAt: now, GuardPurchase: &GuardPurchase{
			UID: g.UID, Uname: g.Username, GuardLevel: g.GuardLevel,
			GiftName: g.GiftName, Num: g.Num, Price: g.Price,
		}}
	case wire.CmdSuperChat:
		var s wire.SuperChatData
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return unknown(cmd, body, now)
		}
		return Event{Kind: TypeSuperChat, Cmd: cmd, ReceivedAt: now, SuperChat: &SuperChat{
			UID: s.UID, Uname: s.UserInfo.Uname, Message: s.Message, Price: s.Price,
		}}
	case wire.CmdInteract:
		var i wire.InteractData
		if err := json.Unmarshal(env.Data, &i); err != nil || i.MsgType != 1 {
			return unknown(cmd, body, now)
		}
		return Event{Kind: TypeRoomEntry, Cmd: cmd, ReceivedAt: now, RoomEntry: &RoomEntry{UID: i.UID, Uname: i.Uname}}
	case wire.CmdLive:
		return Event{Kind: TypeLiveStatus, Cmd: cmd, ReceivedAt: now, LiveStatus: &LiveStatus{Live: true}}
	case wire.CmdPreparing:
		return Event{Kind: TypeLiveStatus, Cmd: cmd, ReceivedAt: now, LiveStatus: &LiveStatus{Live: false}}
	default:
		return unknown(cmd, body, now)
	}
}

// parseDanmaku unpacks the positional info array of a DANMU_MSG:
// info[0][4] send time (ms), info[1] text, info[2][0] uid, info[2][1] name.
func parseDanmaku(info json.RawMessage) (*Danmaku, bool) {
	var fields []json.RawMessage
	if err := json.Unmarshal(info, &fields); err != nil || len(fields) < 3 {
		return nil, false
	}

	var d Danmaku
	if err := json.Unmarshal(fields[1], &d.Text); err != nil {
		return nil, false
	}

	var user []json.RawMessage
	if err := json.Unmarshal(fields[2], &user); err != nil || len(user) < 2 {
		return nil, false
	}
	if err := json.Unmarshal(user[0], &d.UID); err != nil {
		return nil, false
	}
	if err := json.Unmarshal(user[1], &d.Uname); err != nil {
		return nil, false
	}

	var meta []json.RawMessage
	if err := json.Unmarshal(fields[0], &meta); err == nil && len(meta) > 4 {
		var ms int64
		if err := json.Unmarshal(meta[4], &ms); err == nil && ms > 0 {
			d.SentAt = time.UnixMilli(ms)
		}
	}
	return &d, true
}

func unknown(cmd string, body []byte, now time.Time) Event {
	raw := make([]byte, len(body))
	copy(raw, body)
	return Event{Kind: TypeUnknown, Cmd: cmd, ReceivedAt: now, Raw: raw}
}
