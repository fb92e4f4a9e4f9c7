package biliagent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveRoom(t *testing.T) {
	req := require.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/room/v1/Room/room_init", func(w http.ResponseWriter, r *http.Request) {
		req.Equal("42", r.URL.Query().Get("id"))
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"room_id":9876,"short_id":42,"uid":7,"live_status":1}}`)
	})
	mux.HandleFunc("/xlive/web-room/v1/index/getDanmuInfo", func(w http.ResponseWriter, r *http.Request) {
		req.Equal("9876", r.URL.Query().Get("id"))
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"token":"secret","host_list":[{"host":"a.chat","port":2243,"wss_port":443,"ws_port":2244},{"host":"b.chat","port":2243,"wss_port":443,"ws_port":2244}]}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewAPIClient(srv.URL, srv.URL, testCredential())
	target, err := c.ResolveRoom(context.Background(), 42)
	req.NoError(err)
	req.EqualValues(42, target.RoomID)
	req.EqualValues(9876, target.RealID)
	req.Equal("secret", target.Token)
	req.Len(target.Hosts, 2)
	req.True(target.Live)
}

func TestResolveRoomNotLoggedIn(t *testing.T) {
	req := require.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/room/v1/Room/room_init", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"room_id":9876,"live_status":0}}`)
	})
	mux.HandleFunc("/xlive/web-room/v1/index/getDanmuInfo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":-101,"message":"账号未登录"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewAPIClient(srv.URL, srv.URL, testCredential())
	_, err := c.ResolveRoom(context.Background(), 42)
	req.ErrorIs(err, ErrCredentialExpired)
}

func TestSendMessageSendsForm(t *testing.T) {
	req := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req.Equal("/msg/send", r.URL.Path)
		req.NoError(r.ParseForm())
		req.Equal("hello", r.PostForm.Get("msg"))
		req.Equal("55", r.PostForm.Get("roomid"))
		req.Equal("csrf", r.PostForm.Get("csrf"))
		req.Equal("csrf", r.PostForm.Get("csrf_token"))
		req.Contains(r.Header.Get("Cookie"), "SESSDATA=sess")
		fmt.Fprint(w, `{"code":0,"message":"0"}`)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, srv.URL, testCredential())
	req.NoError(c.SendMessage(context.Background(), 55, "hello"))
}

func TestSendMessageWithoutCredential(t *testing.T) {
	c := NewAPIClient("http://unused", "http://unused", nil)
	err := c.SendMessage(context.Background(), 55, "hello")
	require.ErrorIs(t, err, ErrCredentialExpired)
}

func TestMe(t *testing.T) {
	req := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req.Equal("/x/web-interface/nav", r.URL.Path)
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"isLogin":true,"mid":42,"uname":"viewer"}}`)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, srv.URL, testCredential())
	me, err := c.Me(context.Background())
	req.NoError(err)
	req.EqualValues(42, me.UID)
	req.Equal("viewer", me.Uname)
}

func TestMeLoggedOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"isLogin":false}}`)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, srv.URL, testCredential())
	_, err := c.Me(context.Background())
	require.ErrorIs(t, err, ErrCredentialExpired)
}
