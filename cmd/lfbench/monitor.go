// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"sort"
	"strconv"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/sugawarayuuta/sonnet"

	"github.com/kianostad/lfkit/internal/concurrency/epoch"
	"github.com/kianostad/lfkit/internal/monitoring/metrics"
)

// monitor serves live metrics while benchmarks run.
type monitor struct {
	metrics   *metrics.Metrics
	collector *epoch.Collector
	server    *http.Server
}

func newMonitor(m *metrics.Metrics, c *epoch.Collector) *monitor {
	return &monitor{metrics: m, collector: c}
}

func (m *monitor) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/metrics", m.listMetrics)
	r.HandleFunc("/api/collector", m.collectorStats)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	return r
}

// start listens on port (0 picks a free port) and serves in the background. It
// returns the bound address.
func (m *monitor) start(port int) (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return "", fmt.Errorf("monitor listen: %w", err)
	}

	m.server = &http.Server{
		Handler:           m.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "Monitoring benchmarks with http://localhost:%d\n",
		listener.Addr().(*net.TCPAddr).Port)

	go func() {
		if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("monitor: %v", err)
		}
	}()

	return listener.Addr().String(), nil
}

func (m *monitor) stop() {
	if m.server != nil {
		_ = m.server.Close()
	}
}

// listMetrics writes Prometheus text, or JSON with ?format=json.
func (m *monitor) listMetrics(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.metrics.SetHeapUsage(ms.HeapAlloc)
	m.metrics.SetEpoch(m.collector.Epoch())

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write(m.metrics.ExportJSON())
		dieOnErr(err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, err := w.Write([]byte(m.metrics.ExportPrometheus()))
	dieOnErr(err)
}

type collectorRsp struct {
	epoch.Stats
	Pending uint64 `json:"pending"`
}

func (m *monitor) collectorStats(w http.ResponseWriter, _ *http.Request) {
	s := m.collector.Stats()
	writeJSON(w, collectorRsp{Stats: s, Pending: s.Pending()})
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func readResources() (resourceRsp, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) // #nosec G115
	if err != nil {
		return resourceRsp{}, err
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return resourceRsp{}, err
	}

	memory, err := proc.MemoryInfo()
	if err != nil {
		return resourceRsp{}, err
	}

	return resourceRsp{CPUPercent: cpuPercent, MemorySize: memory.RSS}, nil
}

func (m *monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	rsp, err := readResources()
	dieOnErr(err)
	writeJSON(w, rsp)
}

type functionSample struct {
	Function string `json:"function"`
	Samples  int64  `json:"samples"`
}

type profileRsp struct {
	DurationNanos int64            `json:"duration_nanos"`
	Samples       int64            `json:"samples"`
	Top           []functionSample `json:"top"`
}

// collectProfile records a CPU profile for ?seconds=N (default 1) and returns
// the functions with the most samples.
func (m *monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	seconds := 1
	if v := r.URL.Query().Get("seconds"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 30 {
			seconds = n
		}
	}

	buf := bytes.NewBuffer(nil)
	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	time.Sleep(time.Duration(seconds) * time.Second)
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, summarizeProfile(prof, 20))
}

// summarizeProfile attributes every sample to its leaf function and returns
// the top n functions.
func summarizeProfile(prof *profile.Profile, n int) profileRsp {
	rsp := profileRsp{DurationNanos: prof.DurationNanos}

	flat := make(map[string]int64)
	for _, s := range prof.Sample {
		if len(s.Value) == 0 {
			continue
		}
		rsp.Samples += s.Value[0]

		name := "unknown"
		if len(s.Location) > 0 && len(s.Location[0].Line) > 0 && s.Location[0].Line[0].Function != nil {
			name = s.Location[0].Line[0].Function.Name
		}
		flat[name] += s.Value[0]
	}

	for name, samples := range flat {
		rsp.Top = append(rsp.Top, functionSample{Function: name, Samples: samples})
	}
	sort.Slice(rsp.Top, func(i, j int) bool {
		if rsp.Top[i].Samples != rsp.Top[j].Samples {
			return rsp.Top[i].Samples > rsp.Top[j].Samples
		}
		return rsp.Top[i].Function < rsp.Top[j].Function
	})
	if len(rsp.Top) > n {
		rsp.Top = rsp.Top[:n]
	}
	return rsp
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := sonnet.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
