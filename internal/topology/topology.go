// Package topology builds an immutable processor topology (sockets, cores,
// threads) from a /proc/cpuinfo-style text source. Nothing in this package
// mutates a Topology after Parse or Single returns it.
package topology

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PhysId identifies a socket. CoreId is unique within a socket. ThreadId is
// unique globally.
type PhysId int
type CoreId int
type ThreadId int

// CoreKey addresses a single core within a socket.
type CoreKey struct {
	Phys PhysId
	Core CoreId
}

// Topology is the immutable lookup structure described in spec §4.1.
type Topology struct {
	numThreads  int
	numSockets  int
	multiplier  int // hyperthreading multiplier, threads per core
	coresPerSkt int

	threadsByCore map[CoreKey][]ThreadId
	coreByThread  map[ThreadId]CoreKey
	coresBySocket map[PhysId][]CoreId
}

// NumCores is the total number of distinct physical cores across all
// sockets.
func (t *Topology) NumCores() int { return len(t.threadsByCore) }

// NumThreads is the total number of logical threads (cpuinfo "processor"
// entries).
func (t *Topology) NumThreads() int { return t.numThreads }

// NumSockets is the number of distinct sockets found.
func (t *Topology) NumSockets() int { return t.numSockets }

// Multiplier is the hyperthreading multiplier (threads per core); every
// core shares the same value.
func (t *Topology) Multiplier() int { return t.multiplier }

// CoresPerSocket is num_threads / multiplier / num_sockets.
func (t *Topology) CoresPerSocket() int { return t.coresPerSkt }

// Sockets returns every socket id, sorted ascending.
func (t *Topology) Sockets() []PhysId {
	out := make([]PhysId, 0, len(t.coresBySocket))
	for p := range t.coresBySocket {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CoresOnSocket returns the core ids belonging to a socket, sorted.
func (t *Topology) CoresOnSocket(p PhysId) []CoreId {
	cores := append([]CoreId(nil), t.coresBySocket[p]...)
	sort.Slice(cores, func(i, j int) bool { return cores[i] < cores[j] })
	return cores
}

// ThreadsOnCore returns every thread id mapped to the given core.
func (t *Topology) ThreadsOnCore(p PhysId, c CoreId) []ThreadId {
	threads := append([]ThreadId(nil), t.threadsByCore[CoreKey{p, c}]...)
	sort.Slice(threads, func(i, j int) bool { return threads[i] < threads[j] })
	return threads
}

// CoreOf returns the (socket, core) owning a thread id.
func (t *Topology) CoreOf(thread ThreadId) (CoreKey, bool) {
	k, ok := t.coreByThread[thread]
	return k, ok
}

type cpuBlock struct {
	processor   int
	hasProc     bool
	physicalID  int
	hasPhysical bool
	coreID      int
	hasCoreID   bool
	siblings    int
	cpuCores    int
}

// Parse reads a /proc/cpuinfo-style blank-line-delimited block format and
// builds a Topology from it.
func Parse(r io.Reader) (*Topology, error) {
	blocks, err := parseBlocks(r)
	if err != nil {
		return nil, err
	}
	return build(blocks)
}

func parseBlocks(r io.Reader) ([]cpuBlock, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var blocks []cpuBlock
	cur := cpuBlock{}
	hasAny := false

	flush := func() {
		if hasAny {
			blocks = append(blocks, cur)
		}
		cur = cpuBlock{}
		hasAny = false
	}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "processor":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrap(err, "invalid processor field")
			}
			cur.processor = v
			cur.hasProc = true
			hasAny = true
		case "physical id":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrap(err, "invalid physical id field")
			}
			cur.physicalID = v
			cur.hasPhysical = true
			hasAny = true
		case "core id":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrap(err, "invalid core id field")
			}
			cur.coreID = v
			cur.hasCoreID = true
			hasAny = true
		case "siblings":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrap(err, "invalid siblings field")
			}
			cur.siblings = v
			hasAny = true
		case "cpu cores":
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrap(err, "invalid cpu cores field")
			}
			cur.cpuCores = v
			hasAny = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return blocks, nil
}

func build(blocks []cpuBlock) (*Topology, error) {
	if len(blocks) == 0 {
		return nil, errors.New("no cpu blocks found in topology source")
	}

	multiplier := 0
	haveCPUCores := false
	for _, b := range blocks {
		if b.cpuCores > 0 {
			multiplier = b.siblings / b.cpuCores
			haveCPUCores = true
			break
		}
	}
	if !haveCPUCores || multiplier <= 0 {
		return nil, errors.New("could not derive a nonzero core multiplier")
	}

	haveSocket := false
	for _, b := range blocks {
		if b.hasPhysical {
			haveSocket = true
			break
		}
	}

	t := &Topology{
		numThreads:    len(blocks),
		multiplier:    multiplier,
		threadsByCore: make(map[CoreKey][]ThreadId),
		coreByThread:  make(map[ThreadId]CoreKey),
		coresBySocket: make(map[PhysId][]CoreId),
	}

	sockets := make(map[PhysId]struct{})
	cores := make(map[CoreKey]struct{})

	for i, b := range blocks {
		var phys PhysId
		if haveSocket {
			phys = PhysId(b.physicalID)
		} else {
			phys = PhysId(i)
		}

		var core CoreId
		if b.hasCoreID {
			core = CoreId(b.coreID)
		} else {
			core = CoreId(b.processor)
		}

		key := CoreKey{phys, core}
		thread := ThreadId(b.processor)
		if !b.hasProc {
			thread = ThreadId(i)
		}

		t.threadsByCore[key] = append(t.threadsByCore[key], thread)
		t.coreByThread[thread] = key

		sockets[phys] = struct{}{}
		if _, ok := cores[key]; !ok {
			cores[key] = struct{}{}
			t.coresBySocket[phys] = append(t.coresBySocket[phys], core)
		}
	}

	t.numSockets = len(sockets)
	if t.numSockets == 0 {
		return nil, errors.New("could not derive any socket identifier")
	}
	t.coresPerSkt = (t.numThreads / t.multiplier) / t.numSockets

	return t, nil
}

// Single builds a degenerate single-socket, single-thread-per-core topology
// of n cores. Used as the macOS fallback (no /proc/cpuinfo source) per
// SPEC_FULL.md C1 supplement.
func Single(n int) *Topology {
	if n <= 0 {
		n = 1
	}
	t := &Topology{
		numThreads:    n,
		numSockets:    1,
		multiplier:    1,
		coresPerSkt:   n,
		threadsByCore: make(map[CoreKey][]ThreadId, n),
		coreByThread:  make(map[ThreadId]CoreKey, n),
		coresBySocket: make(map[PhysId][]CoreId, n),
	}
	for i := 0; i < n; i++ {
		key := CoreKey{Phys: 0, Core: CoreId(i)}
		t.threadsByCore[key] = []ThreadId{ThreadId(i)}
		t.coreByThread[ThreadId(i)] = key
		t.coresBySocket[0] = append(t.coresBySocket[0], CoreId(i))
	}
	return t
}
