package umbilicalrpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// TLSFiles names the mTLS material for either end of an umbilical
// connection, mirroring how the gossip mesh's mTLS is configured.
type TLSFiles struct {
	CertFile   string
	KeyFile    string
	ClientCAFile string
}

func buildServerTLS(f TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("umbilicalrpc: load server keypair: %w", err)
	}

	pool := x509.NewCertPool()
	caPEM, err := os.ReadFile(f.ClientCAFile)
	if err != nil {
		return nil, fmt.Errorf("umbilicalrpc: read client CA: %w", err)
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("umbilicalrpc: no certificates parsed from %s", f.ClientCAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// Server wraps a grpc.Server bound to one Agent implementation over
// mTLS.
type Server struct {
	grpcServer *grpc.Server
	log        *zap.Logger
}

// NewServer builds a Server for agent using the given TLS material.
func NewServer(agent Agent, tlsFiles TLSFiles, log *zap.Logger) (*Server, error) {
	tlsConfig, err := buildServerTLS(tlsFiles)
	if err != nil {
		return nil, err
	}

	s := grpc.NewServer(grpc.Creds(credentials.NewTLS(tlsConfig)))
	RegisterAgentServer(s, agent)

	return &Server{grpcServer: s, log: log}, nil
}

// ListenAndServe blocks serving on addr until the listener errors or
// Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("umbilicalrpc: listen %s: %w", addr, err)
	}
	s.log.Info("umbilical agent server listening", zap.String("addr", addr))
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the server, waiting for in-flight calls and the
// Events stream to drain.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
