// Copyright (c) 2021-2022 The Prosopo developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/prosopo/provider/merkle"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

var _ Ledger = (*Client)(nil)

// Client talks to a contract gateway over gRPC.
type Client struct {
	conn    *grpc.ClientConn
	account string
	timeout time.Duration
}

// convertError maps gateway status codes onto package errors.
func convertError(method string, err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch s.Code() {
	case codes.NotFound:
		return fmt.Errorf("%v: %w", method, ErrNotFound)
	case codes.FailedPrecondition, codes.InvalidArgument, codes.Aborted:
		return fmt.Errorf("%v: %w: %v", method, ErrContract, s.Message())
	}
	return err
}

func (c *Client) invoke(ctx context.Context, rpc string, req *Request, reply interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	log.Tracef("%v %v %v", rpc, req.Method, req.Args)
	err := c.conn.Invoke(ctx, rpc, req, reply,
		grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return convertError(req.Method, err)
	}
	return nil
}

func (c *Client) query(ctx context.Context, method string, result interface{}, args ...interface{}) error {
	var reply QueryReply
	req := Request{Method: method, Args: args}
	if err := c.invoke(ctx, MethodQuery, &req, &reply); err != nil {
		return err
	}
	if len(reply.Result) == 0 || string(reply.Result) == "null" {
		return fmt.Errorf("%v: %w", method, ErrNotFound)
	}
	if err := json.Unmarshal(reply.Result, result); err != nil {
		return fmt.Errorf("%v: decode result: %v", method, err)
	}
	return nil
}

func (c *Client) tx(ctx context.Context, method string, args ...interface{}) (*Receipt, error) {
	var reply TxReply
	req := Request{Method: method, Args: args, Signer: c.account}
	if err := c.invoke(ctx, MethodTx, &req, &reply); err != nil {
		return nil, err
	}
	tx, err := chainhash.NewHashFromStr(reply.TxHash)
	if err != nil {
		return nil, fmt.Errorf("%v: tx hash: %v", method, err)
	}
	block, err := chainhash.NewHashFromStr(reply.BlockHash)
	if err != nil {
		return nil, fmt.Errorf("%v: block hash: %v", method, err)
	}
	log.Debugf("%v: tx %v block %v", method, tx, block)
	return &Receipt{TxHash: *tx, BlockHash: *block}, nil
}

// Account returns the signing account.
func (c *Client) Account() string {
	return c.account
}

func (c *Client) ProviderDetails(ctx context.Context, account string) (*Provider, error) {
	var p Provider
	if err := c.query(ctx, "getProviderDetails", &p, account); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) DappDetails(ctx context.Context, account string) (*Dapp, error) {
	var d Dapp
	if err := c.query(ctx, "getDappDetails", &d, account); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) CaptchaSolutionCommitment(ctx context.Context, id merkle.Hash) (*Commitment, error) {
	var cm Commitment
	err := c.query(ctx, "getCaptchaSolutionCommitment", &cm, id)
	if err != nil {
		return nil, err
	}
	return &cm, nil
}

// RandomActiveProvider returns the provider the contract picked for user
// at the given block.
func (c *Client) RandomActiveProvider(ctx context.Context, user string, block uint64) (*RandomProvider, error) {
	var rp RandomProvider
	err := c.query(ctx, "getRandomActiveProvider", &rp, user, block)
	if err != nil {
		return nil, err
	}
	return &rp, nil
}

// ProviderAddDataset anchors a dataset root.
func (c *Client) ProviderAddDataset(ctx context.Context, datasetID merkle.Hash) (*Receipt, error) {
	return c.tx(ctx, "providerAddDataset", datasetID)
}

func (c *Client) DappUserCommit(ctx context.Context, dapp string, datasetID, commitmentID merkle.Hash, provider string) (*Receipt, error) {
	return c.tx(ctx, "dappUserCommit", dapp, datasetID, commitmentID,
		provider)
}

func (c *Client) ProviderApprove(ctx context.Context, commitmentID merkle.Hash) (*Receipt, error) {
	return c.tx(ctx, "providerApprove", commitmentID)
}

func (c *Client) ProviderDisapprove(ctx context.Context, commitmentID merkle.Hash) (*Receipt, error) {
	return c.tx(ctx, "providerDisapprove", commitmentID)
}

// Close shuts down the gRPC connection to the gateway.
func (c *Client) Close() error {
	return c.conn.Close()
}

// NewFromConn returns a client using an established connection.
func NewFromConn(conn *grpc.ClientConn, account string, timeout time.Duration) *Client {
	return &Client{conn: conn, account: account, timeout: timeout}
}

// New connects to the contract gateway at host.  An empty cert selects an
// unencrypted connection.
func New(host, cert, account string, timeout time.Duration) (*Client, error) {
	creds := insecure.NewCredentials()
	if cert != "" {
		var err error
		creds, err = credentials.NewClientTLSFromFile(cert, "")
		if err != nil {
			return nil, err
		}
	}

	log.Infof("Ledger: %v", host)
	conn, err := grpc.Dial(host, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, err
	}
	return NewFromConn(conn, account, timeout), nil
}
