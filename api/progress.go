package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/safeh2o/swot-analysis-web/internal/jobstatus"
	"github.com/safeh2o/swot-analysis-web/internal/workergrpc"
)

var progressUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// progressFrame is one WebSocket message of a progress stream. Type is
// "progress" for status frames, "error" when the stream fails and
// "complete" as the last frame.
type progressFrame struct {
	Type   string              `json:"type"`
	Status *jobstatus.Snapshot `json:"status,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// progressSession owns one WebSocket connection.
type progressSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *progressSession) write(frame progressFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(frame)
}

// handleJobProgress upgrades to a WebSocket and relays the worker progress
// stream until the job reaches a terminal state or the client goes away.
func (a *app) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("job_id"))
	if _, err := uuid.Parse(jobID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Printf("progress ws upgrade failed job_id=%s err=%v", jobID, err)
		return
	}
	a.metrics.progressSessions.Inc()
	defer a.metrics.progressSessions.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session := &progressSession{conn: conn}
	defer func() { _ = conn.Close() }()

	// Reads only detect the peer closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	a.logger.Printf("progress stream started job_id=%s", jobID)
	if err := a.relayProgress(ctx, session, jobID); err != nil {
		a.logger.Printf("progress stream failed job_id=%s err=%v", jobID, err)
		_ = session.write(progressFrame{Type: "error", Error: err.Error()})
	}
	_ = session.write(progressFrame{Type: "complete"})

	session.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	session.writeMu.Unlock()
	a.logger.Printf("progress stream finished job_id=%s", jobID)
}

// relayProgress forwards worker status frames to the session.
func (a *app) relayProgress(ctx context.Context, session *progressSession, jobID string) error {
	stream, err := a.progress.SubscribeJobProgress(ctx, &workergrpc.SubscribeJobProgressRequest{
		JobID:          jobID,
		PollIntervalMS: int32(a.cfg.ProgressPoll / time.Millisecond),
	})
	if err != nil {
		return errors.New("progress subscription failed")
	}

	for {
		reply, err := stream.Recv()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return errors.New("progress stream interrupted")
		}

		snap := snapshotFromReply(reply)
		if err := session.write(progressFrame{Type: "progress", Status: &snap}); err != nil {
			return nil
		}
		if jobstatus.IsTerminal(snap.State) {
			return nil
		}
	}
}
