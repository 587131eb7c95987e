package useragent

import (
	"math/rand"
	"sync"
	"time"
)

var defaultAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/110.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/112.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/109.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/113.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
}

// Pool 是一个并发安全的 User-Agent 池, 每次随机取一个。
type Pool struct {
	mu     sync.Mutex
	agents []string
	rnd    *rand.Rand
}

// New 创建一个 Pool; 不传参数时使用内置列表。
func New(agents ...string) *Pool {
	if len(agents) == 0 {
		agents = defaultAgents
	}
	return &Pool{
		agents: append([]string(nil), agents...),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Random returns a random User-Agent string.
func (p *Pool) Random() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents[p.rnd.Intn(len(p.agents))]
}

// Add appends ua unless it is empty or already present.
func (p *Pool) Add(ua string) {
	if ua == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.agents {
		if existing == ua {
			return
		}
	}
	p.agents = append(p.agents, ua)
}

// Len returns the number of agents in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}
