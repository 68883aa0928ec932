package rpc

import "sync"

// Factory memoizes one Client per network so adapters share the rotation
// index and adaptive timeout state.
type Factory struct {
	mu        sync.Mutex
	providers func(network string) []string
	clients   map[string]*Client
}

// NewFactory builds a factory; providers may be nil to use the defaults.
func NewFactory(providers func(network string) []string) *Factory {
	return &Factory{
		providers: providers,
		clients:   make(map[string]*Client),
	}
}

func (f *Factory) ForNetwork(network string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if client, ok := f.clients[network]; ok {
		return client
	}
	var urls []string
	if f.providers != nil {
		urls = f.providers(network)
	}
	if len(urls) == 0 {
		urls = defaultProviders[network]
	}
	client := NewClient(urls)
	f.clients[network] = client
	return client
}
