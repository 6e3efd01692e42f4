package web

import (
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cashkit/indexer/spec"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	subscriberBuffer = 64
	pingInterval     = 20 * time.Second
	writeTimeout     = 10 * time.Second
)

// subscribeFrame is what clients send to add or remove interest in a
// script. Reconnecting clients replay their active subscriptions.
type subscribeFrame struct {
	ScriptType  string `json:"scriptType"`
	Payload     string `json:"payload"`
	IsSubscribe bool   `json:"isSubscribe"`
}

// pushFrame is what the server pushes per event.
type pushFrame struct {
	Type string `json:"type"`
	TxID string `json:"txid,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

func (a *WebAPI) handleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	sub := a.registry.NewSubscriber(subscriberBuffer)
	defer sub.Close()

	// Errors from bad frames go to the client out of band of the event
	// stream, through the same single writer.
	errs := make(chan string, 8)

	// Single writer: event fan-out, frame errors and pings. Exits when
	// the subscriber is dropped or the connection dies.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteJSON(pushFrame{Type: msg.Type.String(), TxID: msg.TxID.String()}); err != nil {
					return
				}
			case msg := <-errs:
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteJSON(pushFrame{Type: "Error", Msg: msg}); err != nil {
					return
				}
			case <-ping.C:
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		var frame subscribeFrame
		if err := ws.ReadJSON(&frame); err != nil {
			break
		}
		key, err := parseFrameKey(frame)
		if err != nil {
			select {
			case errs <- err.Error():
			default:
			}
			continue
		}
		if frame.IsSubscribe {
			a.registry.Subscribe(sub, key)
		} else {
			a.registry.Unsubscribe(sub, key)
		}
	}
	sub.Close()
	<-writeDone
}

func parseFrameKey(frame subscribeFrame) (spec.ScriptKey, error) {
	scriptType, ok := spec.ParseScriptType(frame.ScriptType)
	if !ok {
		return spec.ScriptKey{}, errFrame("unknown script type " + frame.ScriptType)
	}
	payload, err := hex.DecodeString(frame.Payload)
	if err != nil || len(payload) == 0 {
		return spec.ScriptKey{}, errFrame("invalid script payload")
	}
	return spec.ScriptKey{Type: scriptType, Payload: payload}, nil
}

type errFrame string

func (e errFrame) Error() string { return string(e) }
