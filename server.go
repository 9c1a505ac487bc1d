package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"bme280d/bme280"
)

// sensorControl is the part of *bme280.Dev the HTTP API drives.
type sensorControl interface {
	Settings() bme280.Settings
	UpdateSettings(s bme280.Settings) error
	Reset() error
}

// readingStore holds the latest reading, shared by the sampler and the
// handlers.
type readingStore struct {
	mu      sync.RWMutex
	reading SensorReading
	ok      bool
}

func (s *readingStore) Set(r SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reading = r
	s.ok = true
}

func (s *readingStore) Get() (SensorReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading, s.ok
}

func newRouter(store *readingStore, dev sensorControl) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		reading, ok := store.Get()
		if !ok {
			http.Error(w, "no reading yet", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, reading)
	}).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, newSettingsBody(dev.Settings()))
	}).Methods(http.MethodGet)

	r.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		var body SettingsBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := dev.UpdateSettings(body.settings()); err != nil {
			slog.Error("couldn't update settings", "err", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		slog.Info("settings updated", "config", body.Config, "ctrl_meas", body.CtrlMeas, "ctrl_hum", body.CtrlHum)
		writeJSON(w, body)
	}).Methods(http.MethodPut)

	// The soft reset clears the configuration, so it is written again.
	r.HandleFunc("/reset", func(w http.ResponseWriter, r *http.Request) {
		s := dev.Settings()
		if err := dev.Reset(); err != nil {
			slog.Error("couldn't reset sensor", "err", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if err := dev.UpdateSettings(s); err != nil {
			slog.Error("couldn't restore settings", "err", err)
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	jsonStr, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(jsonStr); err != nil {
		slog.Warn("couldn't send response", "err", err)
	}
}
