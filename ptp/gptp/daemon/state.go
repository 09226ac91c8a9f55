/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package daemon

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// ServeState exposes the latest per-port clock.Sample as JSON on addr.
// gptp2ctl is the intended consumer: it is the human-facing supplement to
// the published IPC record; the external IPC endpoint is otherwise a
// silent collaborator interface.
func (d *Daemon) ServeState(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", d.handleState)
	log.Infof("gptpd: serving port state JSON on %s/state", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("gptpd: state server stopped: %v", err)
		}
	}()
}

func (d *Daemon) handleState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.Snapshot()); err != nil {
		log.Warningf("gptpd: encoding state response: %v", err)
	}
}
