package gateway

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// OutputMessage is one line of child output sent to tail subscribers.
type OutputMessage struct {
	Line string
}

// output streams child output lines over a WebSocket until either side goes away.
func (g *Gateway) output(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		g.logger.Debugf("output WebSocket accept error: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	lines, unsubscribe := g.tail.Subscribe()
	defer unsubscribe()

	// subscribers never send anything, CloseRead handles their close frames
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "child output closed")
				return
			}
			err := wsjson.Write(ctx, conn, OutputMessage{Line: line})
			if err != nil {
				g.logger.Debugf("output WebSocket write error: %s", err)
				return
			}
		}
	}
}
