// Stats endpoints: one-shot snapshot and live websocket feed.
package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/contextwarden/gateway/internal/config"
)

// handleStats returns the current metrics snapshot.
func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(g.metrics.FullStats())
}

// handleStatsLive upgrades to a websocket and pushes a metrics snapshot on
// a fixed cadence until the client disconnects.
func (g *Gateway) handleStatsLive(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("stats websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	ticker := time.NewTicker(config.DefaultStatsPushInterval)
	defer ticker.Stop()

	for {
		if err := wsjson.Write(ctx, conn, g.metrics.FullStats()); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
