package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/orionhq/orion/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The web UI is served from the same origin; same-host tools like
	// wscat have no Origin header at all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is one inbound chat message on the websocket.
type wsRequest struct {
	Message         string `json:"message"`
	SuccessCriteria string `json:"success_criteria,omitempty"`
}

// handleChatWS runs a chat loop over a websocket: each inbound message
// is submitted as a task and the outcome written back as JSON.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = defaultUser
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("websocket chat opened", "user", userID)

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket chat closed", "user", userID)
			} else {
				s.logger.Debug("websocket read failed", "user", userID, "error", err)
			}
			return
		}
		if req.Message == "" {
			continue
		}

		out, err := s.dispatcher.Submit(r.Context(), orchestrator.Submission{
			UserID:          userID,
			Channel:         "web",
			Message:         req.Message,
			SuccessCriteria: req.SuccessCriteria,
		})
		if err != nil {
			s.logger.Error("websocket task failed", "user", userID, "error", err)
			if err := conn.WriteJSON(TaskResponse{Status: orchestrator.OutcomeFailed, Answer: "Something went wrong handling that request."}); err != nil {
				return
			}
			continue
		}

		if err := conn.WriteJSON(s.taskResponse(out)); err != nil {
			s.logger.Debug("websocket write failed", "user", userID, "error", err)
			return
		}
	}
}
