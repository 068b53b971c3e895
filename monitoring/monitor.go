// Package monitoring turns live RegionAllocators into an HTTP inspection
// server.
package monitoring

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/addrspace"
)

// Monitor can serve the state of registered allocators over HTTP.
type Monitor struct {
	portNumber int

	allocators []*addrspace.RegionAllocator
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterAllocator registers an allocator to be monitored.
func (m *Monitor) RegisterAllocator(a *addrspace.RegionAllocator) {
	m.allocators = append(m.allocators, a)
}

// StartServer starts the monitor as a web server. It returns the port the
// server listens on.
func (m *Monitor) StartServer() int {
	r := mux.NewRouter()
	r.HandleFunc("/api/list_allocators", m.listAllocators)
	r.HandleFunc("/api/allocator/{name}", m.allocatorDetails)
	r.HandleFunc("/api/allocator/{name}/stats", m.allocatorStats)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/resource", m.listResources)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(os.Stderr,
		"Monitoring allocators with http://localhost:%d\n", port)

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()

	return port
}

func (m *Monitor) listAllocators(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.allocators))
	for _, a := range m.allocators {
		names = append(names, a.Name())
	}

	bytes, err := json.Marshal(names)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

// allocatorDetails dumps the raw allocator state with a reflection
// serializer. The allocator has no iteration API, so the region contents
// are only visible through this dump.
func (m *Monitor) allocatorDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	allocator := m.findAllocatorOr404(w, name)
	if allocator == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(allocator)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	AllocatorName string `json:"allocator_name,omitempty"`
	FieldName     string `json:"field_name,omitempty"`
}

// listFieldValue drills into one field of an allocator, following the
// dot-separated field path in the request.
func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	allocator := m.findAllocatorOr404(w, req.AllocatorName)
	if allocator == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(allocator)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	dieOnErr(err)

	err = serializer.Serialize(w)
	dieOnErr(err)
}

type statsRsp struct {
	Name       string `json:"name"`
	NumRegions int    `json:"num_regions"`
	Empty      bool   `json:"empty"`
}

func (m *Monitor) allocatorStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	allocator := m.findAllocatorOr404(w, name)
	if allocator == nil {
		return
	}

	rsp := statsRsp{
		Name:       allocator.Name(),
		NumRegions: allocator.Len(),
		Empty:      allocator.IsEmpty(),
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) findAllocatorOr404(
	w http.ResponseWriter,
	name string,
) *addrspace.RegionAllocator {
	for _, a := range m.allocators {
		if a.Name() == name {
			return a
		}
	}

	w.WriteHeader(http.StatusNotFound)

	return nil
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memorySize, err := proc.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
