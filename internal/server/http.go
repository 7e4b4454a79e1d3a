package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/trackprobe/internal/metrics"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

var log = slog.Default().With("component", "server")

// StateSource 可訂閱的校準狀態（*calibration.Engine 實作）
type StateSource interface {
	Subscribe() (<-chan types.CalibrationState, func())
}

// stateFrame /ws/calibration 推送的 JSON
type stateFrame struct {
	State     string       `json:"state"`
	Phase     string       `json:"phase"`
	Track     *types.Track `json:"track,omitempty"`
	Mapped    int          `json:"mapped"`
	Total     int          `json:"total"`
	Assigned  int          `json:"assigned"`
	Progress  float64      `json:"progress"`
	Reason    string       `json:"reason,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func newStateFrame(st types.CalibrationState) stateFrame {
	return stateFrame{
		State:     st.String(),
		Phase:     string(st.Phase),
		Track:     st.Track,
		Mapped:    st.Mapped,
		Total:     st.Total,
		Assigned:  st.Assigned,
		Progress:  st.Progress,
		Reason:    st.Reason,
		UpdatedAt: st.UpdatedAt,
	}
}

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// NewHTTPHandler 回傳 /metrics、/healthz 與 /ws/calibration 的路由
func NewHTTPHandler(states StateSource) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/ws/calibration", &calibrationStream{
		states: states,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	})
	return mux
}

// calibrationStream 將校準狀態以 JSON 推給 websocket 觀察者
//
// 每個連線各自訂閱；觀察者跟不上時只會看到最新狀態。
type calibrationStream struct {
	states   StateSource
	upgrader websocket.Upgrader
}

func (s *calibrationStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := s.states.Subscribe()
	defer cancel()

	log.Info("Calibration observer connected", "remote", r.RemoteAddr)

	// 讀取迴圈只負責偵測關閉與處理 pong
	closed := make(chan struct{})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Info("Calibration observer disconnected", "remote", r.RemoteAddr)
			return

		case <-r.Context().Done():
			return

		case st := <-updates:
			data, err := json.Marshal(newStateFrame(st))
			if err != nil {
				log.Error("Failed to encode calibration state", "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
