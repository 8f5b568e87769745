package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"

	grpcserver "github.com/and161185/habitstack/internal/server/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// transport selects how the client secures the connection.
type transport struct {
	caPath    string
	skipCheck bool
	plaintext bool
}

func (t transport) credentials() (credentials.TransportCredentials, error) {
	switch {
	case t.plaintext:
		return insecure.NewCredentials(), nil
	case t.skipCheck:
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	case t.caPath == "":
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(t.caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(ctx context.Context, addr string, t transport) (*grpc.ClientConn, error) {
	creds, err := t.credentials()
	if err != nil {
		return nil, err
	}
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	return grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(creds))
}

// client invokes HabitStack RPCs with Struct messages.
type client struct {
	cc    grpc.ClientConnInterface
	token string
	out   io.Writer
}

func (c *client) call(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, grpcserver.FullMethod(method), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// authed loads the saved token before calling.
func (c *client) authed(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	if c.token == "" {
		tok, err := loadToken()
		if err != nil {
			return nil, err
		}
		c.token = tok
	}
	return c.call(ctx, method, in)
}

func (c *client) print(s *structpb.Struct) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(b))
	return err
}
