// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/prosopo/provider/merkle"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	testTxHash    = "0000000000000000000000000000000000000000000000000000000000000a01"
	testBlockHash = "0000000000000000000000000000000000000000000000000000000000000b02"
)

// gateway is an in process contract gateway.  Queries are answered from
// results keyed by contract method.
type gateway struct {
	sync.Mutex
	results  map[string]interface{}
	errors   map[string]error
	requests []Request
	rpcs     []string
}

func (g *gateway) handle(srv interface{}, stream grpc.ServerStream) error {
	rpc, _ := grpc.MethodFromServerStream(stream)
	var req Request
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	g.Lock()
	g.requests = append(g.requests, req)
	g.rpcs = append(g.rpcs, rpc)
	err := g.errors[req.Method]
	result, ok := g.results[req.Method]
	g.Unlock()

	if err != nil {
		return err
	}
	switch rpc {
	case MethodQuery:
		if !ok {
			return stream.SendMsg(&QueryReply{})
		}
		b, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return stream.SendMsg(&QueryReply{Result: b})
	case MethodTx:
		return stream.SendMsg(&TxReply{TxHash: testTxHash,
			BlockHash: testBlockHash})
	}
	return status.Errorf(codes.Unimplemented, "unknown method %v", rpc)
}

func newTestClient(t *testing.T, g *gateway) *Client {
	t.Helper()
	l := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}),
		grpc.UnknownServiceHandler(g.handle))
	go s.Serve(l)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return l.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	c := NewFromConn(conn, "provider-account", 0)
	t.Cleanup(func() {
		c.Close()
		s.Stop()
	})
	return c
}

func TestQuery(t *testing.T) {
	id := merkle.Sum([]byte("commitment"))
	want := Commitment{
		Status:    CommitmentPending,
		DatasetID: merkle.Sum([]byte("dataset")),
		Account:   "user",
		Provider:  "provider-account",
		Contract:  "dapp",
	}
	g := &gateway{results: map[string]interface{}{
		"getCaptchaSolutionCommitment": want,
	}}
	c := newTestClient(t, g)

	got, err := c.CaptchaSolutionCommitment(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*got, want) {
		t.Fatalf("got %v want %v", spew.Sdump(got), spew.Sdump(want))
	}

	if len(g.requests) != 1 || g.rpcs[0] != MethodQuery {
		t.Fatalf("unexpected calls %v", g.rpcs)
	}
	args := g.requests[0].Args
	if len(args) != 1 || args[0] != id.String() {
		t.Fatalf("unexpected args %v", args)
	}
	if g.requests[0].Signer != "" {
		t.Fatalf("query carried a signer")
	}
}

func TestQueryNotFound(t *testing.T) {
	g := &gateway{
		results: map[string]interface{}{},
		errors: map[string]error{
			"getProviderDetails": status.Error(codes.NotFound, "x"),
		},
	}
	c := newTestClient(t, g)

	_, err := c.ProviderDetails(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want %v", err, ErrNotFound)
	}

	// A null result is also not found.
	_, err = c.DappDetails(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v want %v", err, ErrNotFound)
	}
}

func TestTx(t *testing.T) {
	g := &gateway{errors: map[string]error{
		"providerDisapprove": status.Error(codes.FailedPrecondition,
			"commitment not pending"),
	}}
	c := newTestClient(t, g)
	id := merkle.Sum([]byte("commitment"))

	r, err := c.ProviderApprove(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if r.TxHash.String() != testTxHash ||
		r.BlockHash.String() != testBlockHash {
		t.Fatalf("unexpected receipt %v", spew.Sdump(r))
	}
	req := g.requests[0]
	if g.rpcs[0] != MethodTx || req.Method != "providerApprove" ||
		req.Signer != "provider-account" {
		t.Fatalf("unexpected request %v", spew.Sdump(req))
	}

	_, err = c.ProviderDisapprove(context.Background(), id)
	if !errors.Is(err, ErrContract) {
		t.Fatalf("got %v want %v", err, ErrContract)
	}
}
