package opid

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Generator issues identities of the form <prefix>:<pid>:<epoch>:<seq>.
// Identities are unique within the process and, in practice, across
// processes on one host.
type Generator struct {
	prefix string
	epoch  int64
	seq    atomic.Uint64
	pool   sync.Pool
}

// NewGenerator returns a generator whose identities start with prefix.
func NewGenerator(prefix string) *Generator {
	return &Generator{
		prefix: prefix,
		epoch:  time.Now().UnixNano(),
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 0, 64)
				return &b
			},
		},
	}
}

// Generate returns the next identity.
func (g *Generator) Generate() string {
	bp := g.pool.Get().(*[]byte)
	buf := (*bp)[:0]

	buf = append(buf, g.prefix...)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(os.Getpid()), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, g.epoch, 36)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, g.seq.Add(1), 10)

	id := string(buf)
	*bp = buf
	g.pool.Put(bp)
	return id
}

// Issued reports how many identities have been generated.
func (g *Generator) Issued() uint64 {
	return g.seq.Load()
}
