package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
)

func newTestBus(t *testing.T) (*bus.Client, *bus.Client) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	connect := func() *bus.Client {
		c, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(c.Close)
		return c
	}
	return connect(), connect()
}

func nodeConfig(id string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "test", HeartbeatInterval: 50, HeartbeatTimeout: 200}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistriesDiscoverEachOther(t *testing.T) {
	busA, busB := newTestBus(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	scribe, err := NewRegistry(context.Background(), nodeConfig("scribe"), []Capability{{Name: Session}}, busA, logger)
	if err != nil {
		t.Fatalf("scribe registry: %v", err)
	}
	t.Cleanup(scribe.Close)

	if scribe.Available(Recognize) {
		t.Fatal("no recognizer should be known yet")
	}

	worker, err := NewRegistry(context.Background(), nodeConfig("worker"), []Capability{{Name: Recognize, Attributes: map[string]string{"model": "tiny"}}}, busB, logger)
	if err != nil {
		t.Fatalf("worker registry: %v", err)
	}

	waitFor(t, func() bool { return scribe.Available(Recognize) })
	waitFor(t, func() bool { return len(worker.Query(WithCapabilityFilter(Session))) == 1 })

	nodes := scribe.Nodes()
	if len(nodes) != 2 || nodes[0].ID != "scribe" || nodes[1].ID != "worker" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if nodes[1].Capabilities[0].Attributes["model"] != "tiny" {
		t.Fatalf("expected worker attributes, got %+v", nodes[1].Capabilities)
	}

	worker.Close()
	waitFor(t, func() bool {
		scribe.evaluateHealth(time.Now().Add(time.Second))
		return !scribe.Available(Recognize)
	})
}

func TestHeartbeatRestoresHealth(t *testing.T) {
	busA, _ := newTestBus(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := NewRegistry(context.Background(), nodeConfig("scribe"), nil, busA, logger)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(r.Close)

	r.updateNode("peer", "worker", []Capability{{Name: Recognize}}, time.Now().Add(-time.Second))
	r.evaluateHealth(time.Now())
	if r.Available(Recognize) {
		t.Fatal("stale peer should be unhealthy")
	}
	if err := busA.PublishJSON(SubjectHeartbeat+".peer", heartbeatMessage{NodeID: "peer"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return r.Available(Recognize) })
}
