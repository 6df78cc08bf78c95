// SPDX-License-Identifier: GPL-2.0-or-later

// Package web implements the HTTP surface: the live stream endpoint,
// configuration, health and static files.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"camproxy/pkg/config"
	"camproxy/pkg/driver"
	"camproxy/pkg/log"
	"camproxy/pkg/stream"
)

const jsonContentType = "application/json"

// InitTimeout is how long a subscriber waits for the init segment
// before the request is converted to 503.
const InitTimeout = 10 * time.Second

var serialRegex = regexp.MustCompile(`^/([A-Za-z0-9]+)\.mp4$`)

// Stream joins the fan-out and streams live fMP4 to the client.
// The first bytes written are always the init segment of the current
// session.
func Stream(session *stream.Session, logger log.ILogger, initTimeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		match := serialRegex.FindStringSubmatch(r.URL.Path)
		if match == nil {
			http.Error(w, "invalid serial", http.StatusBadRequest)
			return
		}
		serial := match[1]

		sub := stream.NewSubscriber(serial)
		if err := session.Join(sub); err != nil {
			var busyErr stream.DeviceBusyError
			if errors.As(err, &busyErr) {
				w.Header().Set("Content-Type", jsonContentType)
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
					"currentDevice":   busyErr.CurrentDevice,
					"requestedDevice": serial,
				})
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer session.Leave(sub)

		// The first queued box is always the init segment.
		var initSegment []byte
		select {
		case initSegment = <-sub.Feed():
		case <-sub.Done():
			http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case <-time.After(initTimeout):
			logger.Log(log.Entry{
				Level:    log.LevelWarning,
				Src:      "web",
				CameraID: serial,
				Msg:      "stream: timeout waiting for init segment",
			})
			http.Error(w, "timeout waiting for stream", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, _ := w.(http.Flusher)
		writeBox := func(box []byte) bool {
			if _, err := w.Write(box); err != nil {
				return false
			}
			if flusher != nil {
				flusher.Flush()
			}
			return true
		}

		if !writeBox(initSegment) {
			return
		}

		for {
			select {
			case box := <-sub.Feed():
				if !writeBox(box) {
					return
				}
			case <-sub.Done():
				// Detached without the sink being closed,
				// end-of-stream the response.
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}

// GetConfig returns the effective configuration.
func GetConfig(cfg *config.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(cfg.Get()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// SetConfig merges a whitelisted config update and applies side
// effects: a transcoding-affecting change re-creates the encoder, a
// driver-affecting change re-connects the driver.
func SetConfig(
	cfg *config.Store,
	onTranscodingChange func(),
	onDriverChange func(),
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		updated, err := cfg.Merge(body)
		if err != nil {
			if errors.Is(err, config.ErrUnknownField) {
				w.Header().Set("Content-Type", jsonContentType)
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
					"error":         err.Error(),
					"allowedFields": config.AllowedFields(),
				})
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if config.AffectsTranscoding(updated) && onTranscodingChange != nil {
			onTranscodingChange()
		}
		if config.AffectsDriver(updated) && onDriverChange != nil {
			onDriverChange()
		}

		w.Header().Set("Content-Type", jsonContentType)
		json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck
			"success":       true,
			"updatedFields": updated,
			"saved":         len(updated) != 0,
			"config":        cfg.Get(),
		})
	})
}

// Health reports the proxy state.
func Health(session *stream.Session, drv driver.Driver, cfg *config.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		status := session.Status()
		health := map[string]interface{}{
			"driverConnected":     drv.Connected(),
			"videoMeta":           status.VideoMeta,
			"audioMeta":           status.AudioMeta,
			"subscribers":         status.Subscribers,
			"isTranscoding":       status.IsTranscoding,
			"currentDevice":       status.CurrentDevice,
			"scale":               cfg.Scale(),
			"hasInitSegment":      status.HasInitSegment,
			"hasKeyframeFragment": status.HasKeyframeFragment,
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(health); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// LogQuery handles log queries.
func LogQuery(logDB *log.DB) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		var levels []log.Level
		if levelsCSV := query.Get("levels"); levelsCSV != "" {
			for _, levelStr := range strings.Split(levelsCSV, ",") {
				var level int
				if _, err := fmt.Sscanf(levelStr, "%d", &level); err != nil {
					http.Error(w,
						fmt.Sprintf("invalid levels list: %v %v", levelsCSV, err),
						http.StatusBadRequest)
					return
				}
				levels = append(levels, log.Level(level))
			}
		}

		var sources []string
		if sourcesCSV := query.Get("sources"); sourcesCSV != "" {
			sources = strings.Split(sourcesCSV, ",")
		}

		var limit int
		if limitStr := query.Get("limit"); limitStr != "" {
			if _, err := fmt.Sscanf(limitStr, "%d", &limit); err != nil {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
		}

		entries, err := logDB.Query(log.Query{
			Levels:  levels,
			Sources: sources,
			Limit:   limit,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", jsonContentType)
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// Root dispatches between the stream endpoint and static files.
func Root(streamHandler, static http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".mp4") {
			streamHandler.ServeHTTP(w, r)
			return
		}
		static.ServeHTTP(w, r)
	})
}

// Static serves the web UI files.
func Static(webDir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.FileServer(http.Dir(webDir)).ServeHTTP(w, r)
	})
}
