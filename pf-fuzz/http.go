// Copyright 2026 powerfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/powerfuzz/powerfuzz/pkg/log"
	"github.com/powerfuzz/powerfuzz/pkg/stat"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newRouter serves metrics, recent log output and the last fuzzer_stats written to workdir.
// The fuzzing state itself is owned by the fuzzing loop and is never read here.
func newRouter(workdir string) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(stat.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile(filepath.Join(workdir, "fuzzer_stats"))
		if err != nil {
			http.Error(w, "no stats yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(data)
	}).Methods(http.MethodGet)
	r.HandleFunc("/log", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(log.CachedLogOutput()))
	}).Methods(http.MethodGet)
	return handlers.CompressHandler(r)
}

func serveHTTP(ctx context.Context, addr, workdir string) error {
	log.Logf(0, "serving http on http://%v", addr)
	server := &http.Server{Addr: addr, Handler: newRouter(workdir)}
	go func() {
		// The http server package does not take a context, emulate it via server.Close().
		<-ctx.Done()
		server.Close()
	}()
	err := server.ListenAndServe()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}
