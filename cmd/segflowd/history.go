// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ManuGH/segflow/internal/fragment"
	xlog "github.com/ManuGH/segflow/internal/log"
)

// historyEntry is the JSON shape of one tracked request.
type historyEntry struct {
	Index     int     `json:"index"`
	Type      string  `json:"type"`
	Action    string  `json:"action"`
	State     string  `json:"state"`
	Quality   int     `json:"quality"`
	StartTime float64 `json:"start_time"`
	Duration  float64 `json:"duration"`
	URL       string  `json:"url,omitempty"`
}

type historyDoc struct {
	SessionID string                    `json:"session_id"`
	WrittenAt time.Time                 `json:"written_at"`
	Tracks    map[string][]historyEntry `json:"tracks"`
}

func newHistoryDoc(sessionID string, snap map[fragment.MediaType][]fragment.Request) historyDoc {
	doc := historyDoc{
		SessionID: sessionID,
		WrittenAt: time.Now().UTC(),
		Tracks:    make(map[string][]historyEntry, len(snap)),
	}
	for mt, reqs := range snap {
		entries := make([]historyEntry, 0, len(reqs))
		for _, r := range reqs {
			entries = append(entries, historyEntry{
				Index:     r.Index,
				Type:      string(r.Type),
				Action:    string(r.Action),
				State:     r.State.String(),
				Quality:   r.Quality,
				StartTime: r.StartTime,
				Duration:  r.Duration,
				URL:       r.URL,
			})
		}
		doc.Tracks[string(mt)] = entries
	}
	return doc
}

func encodeHistory(w io.Writer, doc historyDoc) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// writeHistory replaces path atomically with the snapshot.
func writeHistory(path, sessionID string, snap map[fragment.MediaType][]fragment.Request) error {
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending history file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger := xlog.WithComponent("daemon")
			logger.Debug().Err(err).Msg("cleanup pending history file")
		}
	}()

	if err := encodeHistory(pendingFile, newHistoryDoc(sessionID, snap)); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace history file: %w", err)
	}
	return nil
}
