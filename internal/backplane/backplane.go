// Package backplane carries hub frames between process instances over
// ZeroMQ PUB/SUB, so that delivering an event to "all connections of
// user U" holds when those connections terminate on different
// instances. Single-instance deployments simply run without it.
package backplane

import (
	"encoding/json"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"jamchat/internal/hub"
)

// Config defines fields used for wiring this instance into the fan-out
// mesh, parsed from environment variables. An empty PublishAddr
// disables the backplane.
type Config struct {
	PublishAddr string   `env:"BACKPLANE_PUBLISH" envDefault:""`
	Peers       []string `env:"BACKPLANE_PEERS" envSeparator:"," envDefault:""`
}

// Enabled reports whether the deployment asked for a backplane
func (c Config) Enabled() bool {
	return c.PublishAddr != ""
}

// Backplane publishes local frames to every peer and feeds frames
// received from peers into the hub. It implements hub.Relay.
type Backplane struct {
	logger *zap.SugaredLogger

	pubMu sync.Mutex
	pub   *zmq.Socket
	sub   *zmq.Socket

	done chan struct{}
}

// New binds the PUB socket on cfg.PublishAddr and subscribes to every
// peer's publish endpoint
func New(logger *zap.SugaredLogger, cfg Config) (*Backplane, error) {
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Wrap(err, "creating PUB socket")
	}
	if err := pub.Bind(cfg.PublishAddr); err != nil {
		pub.Close()
		return nil, errors.Wrapf(err, "binding PUB socket on %s", cfg.PublishAddr)
	}

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		pub.Close()
		return nil, errors.Wrap(err, "creating SUB socket")
	}
	for _, peer := range cfg.Peers {
		if err := sub.Connect(peer); err != nil {
			pub.Close()
			sub.Close()
			return nil, errors.Wrapf(err, "connecting SUB socket to %s", peer)
		}
	}
	if err := sub.SetSubscribe(""); err != nil {
		pub.Close()
		sub.Close()
		return nil, errors.Wrap(err, "subscribing")
	}
	// bounded receive so Close can interrupt the run loop
	if err := sub.SetRcvtimeo(time.Second); err != nil {
		pub.Close()
		sub.Close()
		return nil, errors.Wrap(err, "setting receive timeout")
	}

	logger.Infof("Backplane publishing on %s, subscribed to %d peer(s)", cfg.PublishAddr, len(cfg.Peers))

	return &Backplane{
		logger: logger,
		pub:    pub,
		sub:    sub,
		done:   make(chan struct{}),
	}, nil
}

// Publish sends the frame to all subscribed peers. zmq sockets are not
// goroutine safe, so sends are serialized.
func (b *Backplane) Publish(f hub.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshaling frame")
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if _, err := b.pub.SendBytes(data, zmq.DONTWAIT); err != nil {
		return errors.Wrap(err, "publishing frame")
	}

	return nil
}

// Run receives peer frames and hands them to deliver until Close is
// called. Meant to run on its own goroutine; the SUB socket is owned by
// this loop and closed when it exits.
func (b *Backplane) Run(deliver func(hub.Frame)) {
	defer b.sub.Close()

	for {
		select {
		case <-b.done:
			return
		default:
		}

		data, err := b.sub.RecvBytes(0)
		if err != nil {
			// receive timeout: loop around and recheck done
			continue
		}

		var f hub.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Errorf("discarding malformed backplane frame: %v", err)
			continue
		}

		deliver(f)
	}
}

// Close stops the run loop and releases the PUB socket
func (b *Backplane) Close() {
	close(b.done)

	b.pubMu.Lock()
	b.pub.Close()
	b.pubMu.Unlock()
}
