package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/trymist/Mist/internal/stream"
	"github.com/trymist/Mist/internal/ws"
)

const wsPingInterval = 30 * time.Second

// handleDeploymentWS streams a deployment's events over a websocket. A late
// joiner gets the full backlog first; once the terminal event is delivered
// the session is closed from the server side. For deployments whose stream is
// already gone a single status snapshot is sent instead.
func (r *Router) handleDeploymentWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deploymentID, err := strconv.ParseInt(req.URL.Query().Get("id"), 10, 64)
	if err != nil || deploymentID <= 0 {
		writeError(w, http.StatusBadRequest, "id query parameter required")
		return
	}

	broadcaster, live := r.streams.Lookup(deploymentID)
	dep, err := r.deploy.Get(req.Context(), deploymentID)
	if err != nil {
		r.serviceError(w, err)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	closeSession := r.trackStreamSession("/ws/deployments")
	defer closeSession()
	defer client.Close()

	if !live {
		// The stream was torn down. Send the final snapshot so the viewer
		// can render the outcome, then end the session.
		r.sendEvent(client, stream.NewStatusEvent(*dep))
		return
	}

	sub := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(sub)

	// Reader loop only watches for the peer going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if !r.sendEvent(client, ev) {
				return
			}
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

func (r *Router) sendEvent(client *ws.Client, ev stream.Event) bool {
	payload, err := ev.Marshal()
	if err != nil {
		r.logger.Error("marshal stream event failed", "error", err)
		return false
	}
	return client.Send(payload) == nil
}
