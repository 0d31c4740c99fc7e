package dnssd

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// networkRefresh is how long a detected network set is reused.
const networkRefresh = 30 * time.Second

// Options configures NewDualPath.
type Options struct {
	QueryTimeout  time.Duration
	DirectTimeout time.Duration
	PreferVPN     bool

	// ResolvConf defaults to DefaultResolvConf.
	ResolvConf       string
	ExtraNameservers []string

	// DirectQPS limits direct fallback queries per second; <= 0 disables the
	// limit.
	DirectQPS float64

	// Interfaces defaults to SystemInterfaces.
	Interfaces InterfaceLister

	// SystemExchanger and DirectExchanger default to NetExchanger with
	// QueryTimeout and DirectTimeout respectively.
	SystemExchanger Exchanger
	DirectExchanger Exchanger

	Observer QueryObserver
	Logger   *slog.Logger
}

// NewDualPath assembles the system and direct queriers over the detected
// candidate networks.
func NewDualPath(opts Options) *DualPath {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.DirectTimeout <= 0 {
		opts.DirectTimeout = DefaultDirectTimeout
	}
	if opts.ResolvConf == "" {
		opts.ResolvConf = DefaultResolvConf
	}
	if opts.Interfaces == nil {
		opts.Interfaces = SystemInterfaces
	}
	if opts.SystemExchanger == nil {
		opts.SystemExchanger = NewNetExchanger(opts.QueryTimeout)
	}
	if opts.DirectExchanger == nil {
		opts.DirectExchanger = NewNetExchanger(opts.DirectTimeout)
	}

	nc := &networkCache{opts: opts}

	var limiter *rate.Limiter
	if opts.DirectQPS > 0 {
		burst := int(opts.DirectQPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.DirectQPS), burst)
	}

	return &DualPath{
		System: &ServerQuerier{
			Path:      PathSystem,
			Servers:   nc.systemServers,
			Exchanger: opts.SystemExchanger,
			Observer:  opts.Observer,
			Logger:    opts.Logger,
		},
		Direct: &ServerQuerier{
			Path:      PathDirect,
			Servers:   nc.directServers,
			Exchanger: opts.DirectExchanger,
			Limiter:   limiter,
			Observer:  opts.Observer,
			Logger:    opts.Logger,
		},
		Logger: opts.Logger,
	}
}

// networkCache re-detects candidate networks at most every networkRefresh.
type networkCache struct {
	opts Options

	mu        sync.Mutex
	nets      []Network
	updatedAt time.Time
}

func (c *networkCache) networks() []Network {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nets != nil && time.Since(c.updatedAt) < networkRefresh {
		return c.nets
	}
	c.nets = DetectNetworks(NetworkOptions{
		SystemNameservers: LoadResolvConf(c.opts.ResolvConf),
		ExtraNameservers:  c.opts.ExtraNameservers,
		Interfaces:        c.opts.Interfaces,
	})
	c.updatedAt = time.Now()
	return c.nets
}

func (c *networkCache) systemServers() []string {
	active, ok := ActiveNetwork(c.networks(), c.opts.PreferVPN)
	if !ok {
		return nil
	}
	return active.Nameservers
}

func (c *networkCache) directServers() []string {
	return Nameservers(c.networks())
}
