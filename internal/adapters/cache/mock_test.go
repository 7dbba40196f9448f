package cache

import "sync"

// tickServer is a Cache whose clients advance through numbered ticks in lockstep, so tests
// can order concurrent GetOrCreate calls deterministically. A tick ends once every client
// has called wait.
type tickServer[T any] struct {
	entriesLock sync.Mutex
	entries     map[string]hitResult[T]

	tickLock    sync.Mutex
	advanced    *sync.Cond
	currentTick int
	maxTicks    int
	clients     int
	waiting     int
}

type tickClient[T any] struct {
	server      *tickServer[T]
	desiredTick int
}

func newTickServer[T any](clients int, maxTicks int) (*tickServer[T], []*tickClient[T]) {
	server := &tickServer[T]{
		entries:  make(map[string]hitResult[T]),
		maxTicks: maxTicks,
		clients:  clients,
	}
	server.advanced = sync.NewCond(&server.tickLock)

	handles := make([]*tickClient[T], clients)
	for i := range clients {
		handles[i] = &tickClient[T]{server: server}
	}
	return server, handles
}

func (s *tickServer[T]) tick() int {
	s.tickLock.Lock()
	defer s.tickLock.Unlock()
	return s.currentTick
}

func (s *tickServer[T]) isDone() bool {
	return s.tick() >= s.maxTicks
}

// processTicks advances the clock until maxTicks, each time every client has waited
func (s *tickServer[T]) processTicks() {
	s.tickLock.Lock()
	defer s.tickLock.Unlock()

	for s.currentTick < s.maxTicks {
		if s.waiting != s.clients {
			s.advanced.Wait()
			continue
		}
		s.waiting = 0
		s.currentTick++
		s.advanced.Broadcast()
	}
}

func (c *tickClient[T]) getOrClaim(key string) hitResult[T] {
	c.server.entriesLock.Lock()
	defer c.server.entriesLock.Unlock()

	if entry, ok := c.server.entries[key]; ok {
		return hitResult[T]{data: entry.data, valid: entry.valid}
	}

	c.server.entries[key] = hitResult[T]{}
	return hitResult[T]{claimed: true}
}

func (c *tickClient[T]) set(key string, data T) {
	c.server.entriesLock.Lock()
	defer c.server.entriesLock.Unlock()

	c.server.entries[key] = hitResult[T]{data: data, valid: true}
}

func (c *tickClient[T]) delete(key string) {
	c.server.entriesLock.Lock()
	defer c.server.entriesLock.Unlock()

	delete(c.server.entries, key)
}

// wait ends this client's current tick and blocks until the next one starts
func (c *tickClient[T]) wait() {
	s := c.server
	s.tickLock.Lock()
	defer s.tickLock.Unlock()

	if s.currentTick >= s.maxTicks {
		panic("wait() called on a client that is already done")
	}

	s.waiting++
	c.desiredTick++
	s.advanced.Broadcast()

	for s.currentTick < c.desiredTick {
		s.advanced.Wait()
	}
}

func (c *tickClient[T]) waitUntilDone() {
	for !c.server.isDone() {
		c.wait()
	}
}
