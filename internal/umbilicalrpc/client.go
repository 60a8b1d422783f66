package umbilicalrpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/dloman/gocapcom/internal/umbilical"
)

func buildClientTLS(f TLSFiles, serverName string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("umbilicalrpc: load client keypair: %w", err)
	}

	pool := x509.NewCertPool()
	caPEM, err := os.ReadFile(f.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("umbilicalrpc: read server CA: %w", err)
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("umbilicalrpc: no certificates parsed from %s", f.ClientCAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// AddressBook resolves a compute name to a dialable "host:port".
// Supplied by the host daemon: cmd/supervisord builds one from the
// umbilical.computes map in config.
type AddressBook interface {
	Address(compute string) (string, error)
}

// Dialer implements umbilical.Dialer over this package's gRPC/JSON
// transport.
type Dialer struct {
	Addresses AddressBook
	TLS       TLSFiles
	Log       *zap.Logger
}

// Dial connects to the launch agent for compute and returns an
// umbilical.AgentClient backed by a gRPC connection.
func (d Dialer) Dial(ctx context.Context, compute string) (umbilical.AgentClient, error) {
	addr, err := d.Addresses.Address(compute)
	if err != nil {
		return nil, fmt.Errorf("umbilicalrpc: resolve compute %q: %w", compute, err)
	}

	tlsConfig, err := buildClientTLS(d.TLS, compute)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("umbilicalrpc: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		compute: compute,
		events:  make(chan umbilical.Event, 64),
		log:     d.Log.With(zap.String("compute", compute)),
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancelStream = cancel
	go c.runEventStream(streamCtx)
	return c, nil
}

// Client is the umbilical.AgentClient implementation backed by one
// gRPC connection to a launch agent.
type Client struct {
	conn         *grpc.ClientConn
	compute      string
	events       chan umbilical.Event
	cancelStream context.CancelFunc
	log          *zap.Logger
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	fullMethod := "/" + serviceName + "/" + method
	return c.conn.Invoke(ctx, fullMethod, req, resp)
}

func (c *Client) Launch(ctx context.Context, spec umbilical.LaunchSpec) (string, int, error) {
	req := launchRequest{
		ProcessName:     spec.ProcessName,
		Variant:         spec.Variant,
		Executable:      spec.Executable,
		Argv:            spec.Argv,
		Env:             spec.Env,
		ZygoteProcessID: spec.ZygoteProcessID,
		Module:          spec.Module,
		EntryPoint:      spec.EntryPoint,
		User:            spec.User,
		Group:           spec.Group,
		Cgroup:          spec.Cgroup,
		Interactive:     spec.Interactive,
		Notify:          spec.Notify,
	}
	var resp launchResponse
	if err := c.invoke(ctx, "Launch", &req, &resp); err != nil {
		return "", 0, err
	}
	return resp.ProcessID, resp.PID, nil
}

func (c *Client) Stop(ctx context.Context, spec umbilical.StopSpec) error {
	req := stopRequest{
		ProcessID:      spec.ProcessID,
		GraceSignalSec: spec.GraceSignalSec,
		KillSec:        spec.KillSec,
	}
	var resp empty
	return c.invoke(ctx, "Stop", &req, &resp)
}

func (c *Client) SendInput(ctx context.Context, processID string, fd int, data []byte) error {
	req := sendInputRequest{ProcessID: processID, FD: fd, Data: data}
	var resp empty
	return c.invoke(ctx, "SendInput", &req, &resp)
}

func (c *Client) CloseFd(ctx context.Context, processID string, fd int) error {
	req := closeFdRequest{ProcessID: processID, FD: fd}
	var resp empty
	return c.invoke(ctx, "CloseFd", &req, &resp)
}

func (c *Client) SendTelemetryCommand(ctx context.Context, processID string, cmd []byte) error {
	req := telemetryCommandRequest{ProcessID: processID, Command: cmd}
	var resp empty
	return c.invoke(ctx, "SendTelemetryCommand", &req, &resp)
}

func (c *Client) Events() <-chan umbilical.Event {
	return c.events
}

func (c *Client) Close() error {
	c.cancelStream()
	return c.conn.Close()
}

// runEventStream opens the Events server-streaming call and translates
// each eventEnvelope into an umbilical.Event until the stream ends or
// ctx is cancelled.
func (c *Client) runEventStream(ctx context.Context) {
	defer close(c.events)

	desc := &grpc.StreamDesc{StreamName: "Events", ServerStreams: true}
	fullMethod := "/" + serviceName + "/Events"
	stream, err := c.conn.NewStream(ctx, desc, fullMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		c.log.Warn("failed to open umbilical event stream", zap.Error(err))
		return
	}
	if err := stream.SendMsg(&eventsRequest{}); err != nil {
		c.log.Warn("failed to send event stream request", zap.Error(err))
		return
	}
	if err := stream.CloseSend(); err != nil {
		c.log.Warn("failed to close event stream send side", zap.Error(err))
		return
	}

	for {
		var env eventEnvelope
		if err := stream.RecvMsg(&env); err != nil {
			return
		}
		select {
		case c.events <- translateEnvelope(env):
		case <-ctx.Done():
			return
		}
	}
}

func translateEnvelope(env eventEnvelope) umbilical.Event {
	ev := umbilical.Event{
		ProcessID:  env.ProcessID,
		PID:        env.PID,
		ExitStatus: env.ExitStatus,
		Signal:     env.Signal,
		Core:       env.Core,
		FD:         env.FD,
		Output:     env.Output,
		Reason:     env.Reason,
		Payload:    env.Payload,
	}
	switch env.Kind {
	case "started":
		ev.Kind = umbilical.EventProcessStarted
	case "stopped":
		ev.Kind = umbilical.EventProcessStopped
	case "output":
		ev.Kind = umbilical.EventProcessOutput
	case "telemetry":
		ev.Kind = umbilical.EventTelemetryStatus
	case "parameter":
		ev.Kind = umbilical.EventParameterUpdate
	default:
		ev.Kind = umbilical.EventDisconnected
	}
	return ev
}
