// Package monitoring serves the live state of DMA controllers over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"

	"github.com/sarchlab/xdma/idgen"
	"github.com/sarchlab/xdma/monitoring/web"
	"github.com/sarchlab/xdma/xdma"
)

// Monitor turns a set of DMA controllers into a web server that reports
// their channels, the host resources and the metrics of the transfers.
type Monitor struct {
	log         *logrus.Logger
	portNumber  int
	openBrowser bool
	gatherer    prometheus.Gatherer

	mu          sync.Mutex
	controllers []*xdma.Controller
	server      *http.Server

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		log:      logrus.StandardLogger(),
		gatherer: prometheus.DefaultGatherer,
	}
}

// WithPortNumber sets the port number of the monitor. Privileged ports are
// refused in favor of a random one.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.log.WithField("port", portNumber).
			Warn("port not allowed for the monitor, using a random port")

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger.
func (m *Monitor) WithLogger(log *logrus.Logger) *Monitor {
	m.log = log
	return m
}

// WithGatherer sets where /metrics reads the metrics from.
func (m *Monitor) WithGatherer(g prometheus.Gatherer) *Monitor {
	m.gatherer = g
	return m
}

// WithBrowser makes StartServer open the dashboard in a browser.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// RegisterController registers a controller to be monitored.
func (m *Monitor) RegisterController(c *xdma.Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.controllers = append(m.controllers, c)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        idgen.Get().Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/controllers", m.listControllers)
	r.HandleFunc("/api/channel/{controller}/{channel}", m.channelDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/hangdetector/channels", m.hangDetectorChannels)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns its URL.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	srv := &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	m.mu.Lock()
	m.server = srv
	m.mu.Unlock()

	go func() {
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("monitor stopped")
		}
	}()

	m.log.WithField("url", url).Info("monitoring DMA controllers")

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			m.log.WithError(err).Warn("cannot open browser")
		}
	}

	return url, nil
}

// Shutdown stops the web server.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	srv := m.server
	m.server = nil
	m.mu.Unlock()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}

type channelRsp struct {
	Name    string `json:"name"`
	HWIndex int    `json:"hw_index"`
	State   string `json:"state"`
	Op      string `json:"op,omitempty"`
	Len     int    `json:"len"`
	Pending int    `json:"pending"`
	Depth   int    `json:"depth"`
}

type controllerRsp struct {
	Name     string       `json:"name"`
	Backend  string       `json:"backend"`
	Ops      []string     `json:"ops"`
	Channels []channelRsp `json:"channels"`
}

func describeChannel(ch *xdma.Channel) channelRsp {
	rsp := channelRsp{
		Name:    ch.Name(),
		HWIndex: ch.HWIndex(),
		State:   ch.State().String(),
		Len:     ch.Len(),
		Pending: ch.Pending(),
		Depth:   ch.Depth(),
	}

	if ch.State() != xdma.Unconfigured {
		rsp.Op = ch.Operation().String()
	}

	return rsp
}

func (m *Monitor) listControllers(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	ctrls := append([]*xdma.Controller(nil), m.controllers...)
	m.mu.Unlock()

	rsp := make([]controllerRsp, 0, len(ctrls))

	for _, c := range ctrls {
		cr := controllerRsp{
			Name:     c.Name(),
			Backend:  c.Backend().Name(),
			Ops:      []string{},
			Channels: []channelRsp{},
		}

		for _, op := range c.Caps().Ops {
			cr.Ops = append(cr.Ops, op.String())
		}

		for _, ch := range c.Channels() {
			cr.Channels = append(cr.Channels, describeChannel(ch))
		}

		rsp = append(rsp, cr)
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) channelDetails(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	ch := m.findChannelOr404(w, vars["controller"], vars["channel"])
	if ch == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(snapshotChannel(ch))
	serializer.SetMaxDepth(2)

	if err := serializer.Serialize(w); err != nil {
		m.log.WithError(err).Warn("cannot serialize channel")
	}
}

// A channelDetail is a copy of the state of a channel, free of locks and
// backend state, for the serializer to walk.
type channelDetail struct {
	Summary     channelRsp
	Config      xdma.Config
	Period      int
	Descriptors []descriptorRsp
}

type descriptorRsp struct {
	Index   int
	Len     uint64
	SrcAddr uint64
	DstAddr uint64
	Owner   string
	Request int
}

func snapshotChannel(ch *xdma.Channel) *channelDetail {
	d := &channelDetail{
		Summary: describeChannel(ch),
		Config:  ch.Config(),
		Period:  ch.Period(),
	}

	ch.Descriptors(func(i int, desc xdma.Descriptor) {
		d.Descriptors = append(d.Descriptors, descriptorRsp{
			Index:   i,
			Len:     desc.Len,
			SrcAddr: desc.SrcAddr,
			DstAddr: desc.DstAddr,
			Owner:   desc.Owner.String(),
			Request: desc.Request,
		})
	})

	return d
}

type fieldReq struct {
	Controller string `json:"controller,omitempty"`
	Channel    string `json:"channel,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ch := m.findChannelOr404(w, req.Controller, req.Channel)
	if ch == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(snapshotChannel(ch))
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := serializer.Serialize(w); err != nil {
		m.log.WithError(err).Warn("cannot serialize field")
	}
}

func (m *Monitor) findChannelOr404(
	w http.ResponseWriter,
	ctrlName, index string,
) *xdma.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	hwIndex, err := strconv.Atoi(index)
	if err != nil {
		http.Error(w, "Channel index must be a number", http.StatusBadRequest)
		return nil
	}

	for _, c := range m.controllers {
		if c.Name() != ctrlName {
			continue
		}

		if ch, ok := c.Channel(hwIndex); ok {
			return ch
		}
	}

	http.Error(w, "Channel not found", http.StatusNotFound)

	return nil
}

type queueRsp struct {
	Channel string `json:"channel"`
	Level   int    `json:"level"`
	Cap     int    `json:"cap"`
}

func queuePercent(q queueRsp) float64 {
	if q.Cap == 0 {
		return 0
	}

	return float64(q.Level) / float64(q.Cap)
}

// hangDetectorChannels lists the request queues of all channels, fullest
// first. A queue that stays full points at a stuck backend.
func (m *Monitor) hangDetectorChannels(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := queuesParseParams(r)
	if err != nil {
		http.Error(w, "Error: "+err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	ctrls := append([]*xdma.Controller(nil), m.controllers...)
	m.mu.Unlock()

	var queues []queueRsp

	for _, c := range ctrls {
		for _, ch := range c.Channels() {
			queues = append(queues, queueRsp{
				Channel: ch.Name(),
				Level:   ch.Len(),
				Cap:     ch.Depth(),
			})
		}
	}

	m.writeJSON(w, sortAndSelectQueues(queues, sortMethod, limit, offset))
}

func queuesParseParams(r *http.Request) (
	sortMethod string, limit, offset int, err error,
) {
	sortMethod = r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "percent"
	}

	if sortMethod != "level" && sortMethod != "percent" {
		return "", 0, 0, fmt.Errorf(
			"invalid sort method: %s. Allowed values are `level` and `percent`",
			sortMethod)
	}

	limit, err = intParam(r, "limit")
	if err != nil {
		return "", 0, 0, err
	}

	offset, err = intParam(r, "offset")
	if err != nil {
		return "", 0, 0, err
	}

	return sortMethod, limit, offset, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}

	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}

	return n, nil
}

// sortAndSelectQueues orders the queues and returns the page that starts at
// offset. A zero limit takes all remaining queues.
func sortAndSelectQueues(
	queues []queueRsp,
	sortMethod string,
	limit, offset int,
) []queueRsp {
	sort.SliceStable(queues, func(i, j int) bool {
		li, lj := queues[i].Level, queues[j].Level
		pi, pj := queuePercent(queues[i]), queuePercent(queues[j])

		if sortMethod == "level" {
			if li != lj {
				return li > lj
			}

			return pi > pj
		}

		if pi != pj {
			return pi > pj
		}

		return li > lj
	})

	offset = min(offset, len(queues))
	end := len(queues)

	if limit > 0 {
		end = min(offset+limit, end)
	}

	return append([]queueRsp{}, queues[offset:end]...)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]progressRsp, 0, len(m.progressBars))

	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.fail(w, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.fail(w, err)
		return
	}

	memInfo, err := proc.MemoryInfo()
	if err != nil {
		m.fail(w, err)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memInfo.RSS,
	})
}

// collectProfile samples the CPU for a second, or for the number of
// milliseconds given by the ms query parameter.
func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second

	if ms, err := intParam(r, "ms"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if ms > 0 {
		duration = time.Duration(ms) * time.Millisecond
	}

	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(duration)
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.fail(w, err)
		return
	}

	m.writeJSON(w, prof)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if _, err := w.Write(data); err != nil {
		m.log.WithError(err).Debug("monitor client went away")
	}
}

func (m *Monitor) fail(w http.ResponseWriter, err error) {
	m.log.WithError(err).Warn("monitor request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
