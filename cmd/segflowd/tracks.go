// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"

	"github.com/ManuGH/segflow/internal/config"
	"github.com/ManuGH/segflow/internal/fragment"
	"github.com/ManuGH/segflow/internal/index"
	"github.com/ManuGH/segflow/internal/player"
)

// buildTracks creates one templated index per configured media type.
func buildTracks(cfg config.Config, capacity float64) (map[fragment.MediaType]player.Track, error) {
	sc := cfg.Stream
	tracks := make(map[fragment.MediaType]player.Track, len(sc.Representations))
	for name, reps := range sc.Representations {
		mt := fragment.MediaType(name)
		switch mt {
		case fragment.MediaVideo, fragment.MediaAudio, fragment.MediaText:
		default:
			return nil, fmt.Errorf("stream.representations: unknown media type %q", name)
		}
		idx, err := index.NewTemplate(index.Template{
			StreamID:        sc.ID,
			MediaType:       mt,
			BaseURL:         sc.BaseURL,
			Init:            sc.InitTemplate,
			Media:           sc.MediaTemplate,
			Representations: reps,
			SegmentDuration: sc.SegmentDuration,
			Count:           sc.SegmentCount,
		})
		if err != nil {
			return nil, fmt.Errorf("%s index: %w", name, err)
		}
		tracks[mt] = player.Track{Index: idx, Capacity: capacity}
	}
	if len(tracks) == 0 {
		return nil, player.ErrNoTracks
	}
	return tracks, nil
}
