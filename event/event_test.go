package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/simpleKalvin/bilibili-agent/frame"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func notification(body string) frame.Frame {
	return frame.Frame{Op: frame.OpNotification, Body: []byte(body)}
}

func TestFromFrameDanmaku(t *testing.T) {
	req := require.New(t)

	f := notification(`{"cmd":"DANMU_MSG","info":[[0,1,25,16777215,1717243200123],"hello room",[10023,"miku",0,0,0]]}`)
	ev := FromFrame(f, now)

	req.Equal(TypeDanmaku, ev.Kind)
	req.Equal("hello room", ev.Danmaku.Text)
	req.EqualValues(10023, ev.Danmaku.UID)
	req.Equal("miku", ev.Danmaku.Uname)
	req.Equal(time.UnixMilli(1717243200123), ev.Danmaku.SentAt)
	req.EqualValues(10023, ev.SenderUID())
}

func TestFromFrameDanmakuCmdSuffix(t *testing.T) {
	f := notification(`{"cmd":"DANMU_MSG:4:0:2:2:2:0","info":[[],"hey",[7,"nana"]]}`)
	ev := FromFrame(f, now)
	require.Equal(t, TypeDanmaku, ev.Kind)
	require.Equal(t, "hey", ev.Danmaku.Text)
}

func TestFromFrameGift(t *testing.T) {
	req := require.New(t)

	f := notification(`{"cmd":"SEND_GIFT","data":{"uid":42,"uname":"ayaya","giftId":31036,"giftName":"小花花","num":3,"price":100,"coin_type":"gold"}}`)
	ev := FromFrame(f, now)

	req.Equal(TypeGift, ev.Kind)
	req.Equal("ayaya", ev.Gift.Uname)
	req.Equal("小花花", ev.Gift.GiftName)
	req.Equal(3, ev.Gift.Num)
	req.EqualValues(42, ev.SenderUID())
}

func TestFromFrameGuardBuy(t *testing.T) {
	f := notification(`{"cmd":"GUARD_BUY","data":{"uid":9,"username":"cap","guard_level":3,"num":1,"price":198000,"gift_name":"舰长"}}`)
	ev := FromFrame(f, now)

	require.Equal(t, TypeGuardPurchase, ev.Kind)
	require.Equal(t, 3, ev.GuardPurchase.GuardLevel)
	require.Equal(t, "舰长", ev.GuardPurchase.GiftName)
}

func TestFromFrameSuperChat(t *testing.T) {
	f := notification(`{"cmd":"SUPER_CHAT_MESSAGE","data":{"id":1,"uid":5,"message":"加油","price":30,"user_info":{"uname":"rich"}}}`)
	ev := FromFrame(f, now)

	require.Equal(t, TypeSuperChat, ev.Kind)
	require.Equal(t, "rich", ev.SuperChat.Uname)
	require.EqualValues(t, 30, ev.SuperChat.Price)
}

func TestFromFrameRoomEntry(t *testing.T) {
	f := notification(`{"cmd":"INTERACT_WORD","data":{"uid":3,"uname":"lurker","msg_type":1}}`)
	ev := FromFrame(f, now)
	require.Equal(t, TypeRoomEntry, ev.Kind)
	require.Equal(t, "lurker", ev.RoomEntry.Uname)
}

func TestFromFrameLiveStatus(t *testing.T) {
	ev := FromFrame(notification(`{"cmd":"LIVE","data":{"roomid":1}}`), now)
	require.Equal(t, TypeLiveStatus, ev.Kind)
	require.True(t, ev.LiveStatus.Live)

	ev = FromFrame(notification(`{"cmd":"PREPARING"}`), now)
	require.Equal(t, TypeLiveStatus, ev.Kind)
	require.False(t, ev.LiveStatus.Live)
}

func TestFromFrameHeartbeatAck(t *testing.T) {
	f := frame.Frame{Op: frame.OpHeartbeatReply, Ver: frame.VerPopularity, Body: []byte{0, 0, 1, 44}}
	ev := FromFrame(f, now)
	require.Equal(t, TypeHeartbeatAck, ev.Kind)
	require.EqualValues(t, 300, ev.HeartbeatAck.Popularity)
}

func TestFromFrameUnknownCmd(t *testing.T) {
	body := `{"cmd":"WATCHED_CHANGE","data":{"num":120}}`
	ev := FromFrame(notification(body), now)

	require.Equal(t, TypeUnknown, ev.Kind)
	require.Equal(t, "WATCHED_CHANGE", ev.Cmd)
	require.JSONEq(t, body, string(ev.Raw))
}

func TestFromFrameMalformedBody(t *testing.T) {
	ev := FromFrame(notification(`{"cmd":"DANMU_MSG","info":"not an array"}`), now)
	require.Equal(t, TypeUnknown, ev.Kind)
	require.NotEmpty(t, ev.Raw)

	ev = FromFrame(notification(`not json`), now)
	require.Equal(t, TypeUnknown, ev.Kind)
}
